package gmail

import (
	"context"
	"errors"
	"net/http"
	"strings"

	"github.com/sony/gobreaker"
	"golang.org/x/oauth2"
	"google.golang.org/api/googleapi"

	"github.com/Martian-dev/mail-mirror/internal/mailerr"
)

// tripsBreaker reports whether err indicates the remote side is struggling.
// Client errors other than 429 leave the breaker alone.
func tripsBreaker(err error) bool {
	var retrieve *oauth2.RetrieveError
	if errors.As(err, &retrieve) {
		return false
	}

	if errors.Is(err, context.Canceled) {
		return false
	}

	var apiErr *googleapi.Error
	if errors.As(err, &apiErr) {
		return apiErr.Code == http.StatusTooManyRequests || apiErr.Code >= 500
	}

	return true
}

// classify maps err into the mailerr taxonomy.
func classify(op string, err error) error {
	if errors.Is(err, gobreaker.ErrOpenState) || errors.Is(err, gobreaker.ErrTooManyRequests) {
		return mailerr.Remote(op, mailerr.KindUnavailable, err)
	}

	var retrieve *oauth2.RetrieveError
	if errors.As(err, &retrieve) {
		return mailerr.Remote(op, mailerr.KindUnauthenticated, err)
	}

	var apiErr *googleapi.Error
	if !errors.As(err, &apiErr) {
		return mailerr.Remote(op, mailerr.KindNetwork, err)
	}

	switch code := apiErr.Code; {
	case code == http.StatusUnauthorized:
		return mailerr.Remote(op, mailerr.KindUnauthenticated, err)
	case code == http.StatusNotFound:
		return mailerr.Remote(op, mailerr.KindNotFound, err)
	case code == http.StatusTooManyRequests:
		return mailerr.Remote(op, mailerr.KindRateLimited, err)
	case code == http.StatusForbidden && isRateLimit(apiErr):
		return mailerr.Remote(op, mailerr.KindRateLimited, err)
	case code == http.StatusForbidden:
		return mailerr.Remote(op, mailerr.KindForbidden, err)
	case code >= 500:
		return mailerr.Remote(op, mailerr.KindUnavailable, err)
	default:
		return mailerr.Remote(op, mailerr.KindInvalid, err)
	}
}

func isRateLimit(apiErr *googleapi.Error) bool {
	for _, item := range apiErr.Errors {
		switch item.Reason {
		case "rateLimitExceeded", "userRateLimitExceeded", "quotaExceeded":
			return true
		}
	}

	return strings.Contains(apiErr.Message, "Rate Limit")
}
