package api

import (
	"fmt"
	"io"
	"net/http"
	"regexp"
	"strconv"
	"strings"

	"go.uber.org/zap"

	"github.com/internetarchive/dweb-transports-sub000/internal/logging"
	"github.com/internetarchive/dweb-transports-sub000/internal/router"
	"github.com/internetarchive/dweb-transports-sub000/internal/transport"
)

// Package-level compiled regex for Range header parsing.
var rangeRegex = regexp.MustCompile(`^bytes=(\d+)-(\d*)$`)

// parseRange reads the byte range of a stream request, from the Range header
// or the start and end query parameters. end is inclusive. Suffix ranges
// need the total size, which sources do not report, so they are rejected.
// An open end leaves Length zero.
func parseRange(r *http.Request) (rng transport.Range, hasRange bool, err error) {
	var startStr, endStr string
	if h := r.Header.Get("Range"); h != "" {
		m := rangeRegex.FindStringSubmatch(strings.TrimSpace(h))
		if m == nil {
			return rng, false, fmt.Errorf("unsupported range %q", h)
		}
		startStr, endStr = m[1], m[2]
	} else {
		q := r.URL.Query()
		startStr, endStr = q.Get("start"), q.Get("end")
		if startStr == "" && endStr == "" {
			return rng, false, nil
		}
		if startStr == "" {
			startStr = "0"
		}
	}

	start, err := strconv.ParseInt(startStr, 10, 64)
	if err != nil || start < 0 {
		return rng, false, fmt.Errorf("bad range start %q", startStr)
	}
	rng.Offset = start
	if endStr != "" {
		end, err := strconv.ParseInt(endStr, 10, 64)
		if err != nil || end < start {
			return rng, false, fmt.Errorf("bad range end %q", endStr)
		}
		rng.Length = end - start + 1
	}
	return rng, true, nil
}

func (s *Server) handleStream(w http.ResponseWriter, r *http.Request) {
	rng, hasRange, err := parseRange(r)
	if err != nil {
		s.sendError(w, http.StatusRequestedRangeNotSatisfiable, err.Error())
		return
	}
	// Without the total size an open-ended range has no valid Content-Range.
	// Such ranges are ignored and the whole content is sent.
	if hasRange && rng.Length == 0 {
		rng, hasRange = transport.Range{}, false
	}

	var preferred []string
	for _, p := range r.URL.Query()["prefer"] {
		preferred = append(preferred, strings.Split(p, ",")...)
	}
	factory, err := s.router.OpenReadableStream(r.Context(), urls(r), router.StreamOptions{
		Preferred: preferred,
		NoCache:   boolParam(r, "nocache"),
	})
	if err != nil {
		s.sendRouterError(w, r, err)
		return
	}

	rc, err := factory(r.Context(), rng)
	if err != nil {
		s.sendRouterError(w, r, err)
		return
	}
	defer rc.Close()

	w.Header().Set("Content-Type", "application/octet-stream")
	w.Header().Set("Accept-Ranges", "bytes")
	if hasRange {
		w.Header().Set("Content-Range", fmt.Sprintf("bytes %d-%d/*", rng.Offset, rng.Offset+rng.Length-1))
		w.WriteHeader(http.StatusPartialContent)
	} else {
		w.WriteHeader(http.StatusOK)
	}

	if _, err := io.Copy(w, rc); err != nil {
		logging.WithContext(r.Context()).Warn("stream transfer error",
			zap.Strings("urls", urls(r)),
			zap.Error(err),
		)
	}
}
