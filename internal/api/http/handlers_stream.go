package apihttp

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strconv"
	"strings"

	"linkstream/internal/usecase"
)

// handleStream serves GET and HEAD /stream/{externalId}/{encodedSize}.
func (s *Server) handleStream(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet && r.Method != http.MethodHead {
		w.Header().Set("Allow", "GET, HEAD")
		writeError(w, http.StatusMethodNotAllowed, "method_not_allowed", "method not allowed")
		return
	}

	externalID, size, err := parseStreamPath(r.URL.Path)
	if err != nil {
		writeError(w, http.StatusBadRequest, "invalid_request", err.Error())
		return
	}

	start, end := int64(0), size-1
	rangeHeader := r.Header.Get("Range")
	partial := rangeHeader != ""
	if partial {
		start, end, err = parseByteRange(rangeHeader, size)
		if errors.Is(err, errInvalidRange) {
			writeError(w, http.StatusBadRequest, "invalid_request", "invalid range")
			return
		}
		if errors.Is(err, errRangeNotSatisfiable) {
			w.Header().Set("Content-Range", fmt.Sprintf("bytes */%d", size))
			w.WriteHeader(http.StatusRequestedRangeNotSatisfiable)
			return
		}
		if err != nil {
			writeError(w, http.StatusInternalServerError, "internal_error", "internal server error")
			return
		}
	}

	status := http.StatusOK
	if partial {
		status = http.StatusPartialContent
	}

	if r.Method == http.MethodHead {
		setStreamHeaders(w, start, end, size, partial)
		w.WriteHeader(status)
		return
	}

	if s.serveRange == nil {
		writeError(w, http.StatusServiceUnavailable, "unavailable", "streaming not configured")
		return
	}
	result, err := s.serveRange.Execute(r.Context(), usecase.ServeRangeInput{
		ExternalID: externalID,
		Size:       size,
		Start:      start,
		End:        end,
	})
	if err != nil {
		if !errors.Is(err, context.Canceled) {
			s.logger.Warn("stream request failed",
				slog.String("externalId", externalID),
				slog.Int64("start", start),
				slog.Int64("end", end),
				slog.String("error", err.Error()),
			)
		}
		writeStreamError(w, err)
		return
	}
	defer result.Reader.Close()

	// Content-Range is sent on full responses too; some players rely on it.
	setStreamHeaders(w, result.Start, result.End, size, true)
	w.WriteHeader(status)

	if len(result.Head) > 0 {
		if _, err := w.Write(result.Head); err != nil {
			return
		}
	}
	if _, err := io.Copy(w, result.Reader); err != nil && !errors.Is(err, context.Canceled) {
		s.logger.Debug("stream copy interrupted",
			slog.String("streamId", result.Key.String()),
			slog.Int64("start", result.Start),
			slog.String("error", err.Error()),
		)
	}
}

func setStreamHeaders(w http.ResponseWriter, start, end, size int64, withRange bool) {
	w.Header().Set("Content-Type", "application/octet-stream")
	w.Header().Set("Accept-Ranges", "bytes")
	w.Header().Set("Content-Length", strconv.FormatInt(end-start+1, 10))
	if withRange {
		w.Header().Set("Content-Range", fmt.Sprintf("bytes %d-%d/%d", start, end, size))
	}
}

func parseStreamPath(path string) (string, int64, error) {
	rest := strings.TrimPrefix(path, "/stream/")
	parts := strings.Split(strings.Trim(rest, "/"), "/")
	if len(parts) != 2 || strings.TrimSpace(parts[0]) == "" {
		return "", 0, errors.New("expected /stream/{externalId}/{encodedSize}")
	}
	size, err := decodeSize(parts[1])
	if err != nil {
		return "", 0, err
	}
	return parts[0], size, nil
}
