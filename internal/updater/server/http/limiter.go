package http

import (
	"math"
	"net/http"
	"strconv"

	"golang.org/x/time/rate"
)

// limiter is one token bucket shared by every route of a class.
type limiter struct {
	l *rate.Limiter
}

func newLimiter(perSecond float64, burst int) *limiter {
	return &limiter{l: rate.NewLimiter(rate.Limit(perSecond), burst)}
}

func (l *limiter) wrap(h http.HandlerFunc) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		res := l.l.Reserve()
		if !res.OK() {
			writeError(w, http.StatusTooManyRequests, errRateLimited)
			return
		}
		if delay := res.Delay(); delay > 0 {
			res.Cancel()
			w.Header().Set("Retry-After", strconv.Itoa(int(math.Ceil(delay.Seconds()))))
			writeError(w, http.StatusTooManyRequests, errRateLimited)
			return
		}
		h(w, r)
	})
}
