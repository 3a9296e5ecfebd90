package http

import (
	"net/http"
	"strconv"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/go-redis/redis_rate/v9"
	"moff.io/vault-wallet/internal/wallet"
	"moff.io/vault-wallet/pkg/errors"
	"moff.io/vault-wallet/pkg/log"
)

const (
	codeNotFound    = 4040
	codeRateLimited = 4290
	codeInternal    = 5000
)

type errorResponse struct {
	Code int    `json:"code"`
	Kind string `json:"kind,omitempty"`
	Msg  string `json:"msg"`
}

var kindStatus = map[wallet.Kind]int{
	wallet.KindConfiguration:      http.StatusServiceUnavailable,
	wallet.KindConnectionRejected: http.StatusForbidden,
	wallet.KindConnectionTimeout:  http.StatusGatewayTimeout,
	wallet.KindUserRejected:       http.StatusConflict,
	wallet.KindPairingRejected:    http.StatusForbidden,
	wallet.KindCapabilityMismatch: http.StatusUnprocessableEntity,
	wallet.KindWalletTimeout:      http.StatusGatewayTimeout,
	wallet.KindSessionExpired:     http.StatusUnauthorized,
	wallet.KindMalformedResponse:  http.StatusBadGateway,
	wallet.KindBroadcastFailed:    http.StatusBadGateway,
	wallet.KindInvalidIntent:      http.StatusBadRequest,
	wallet.KindWalletError:        http.StatusBadGateway,
}

// renderError answers with the user-facing message of a classified error.
// Codes are 4100 plus the error kind.
func renderError(ctx *gin.Context, err error) {
	kind := wallet.KindOf(err)
	status, ok := kindStatus[kind]
	if !ok {
		log.Error(errors.WrapAndReport(err, ctx.FullPath()))
		ctx.JSON(http.StatusInternalServerError, errorResponse{Code: codeInternal, Msg: wallet.UserMessage(err)})
		return
	}
	log.Warnf("http - %v %v: %v", ctx.Request.Method, ctx.FullPath(), err)
	ctx.JSON(status, errorResponse{Code: 4100 + int(kind), Kind: kind.String(), Msg: wallet.UserMessage(err)})
}

func renderNotFound(ctx *gin.Context, msg string) {
	ctx.JSON(http.StatusNotFound, errorResponse{Code: codeNotFound, Msg: msg})
}

func rateLimit(limiter RateLimiter, limit redis_rate.Limit) gin.HandlerFunc {
	return func(ctx *gin.Context) {
		res, err := limiter.Allow(ctx.Request.Context(), "vault-wallet:rate:"+ctx.ClientIP(), limit)
		if err != nil {
			log.Warnf("http - rate limiter: %v", err)
			ctx.Next()
			return
		}
		if res.Allowed == 0 {
			ctx.Header("Retry-After", strconv.Itoa(int(res.RetryAfter/time.Second)+1))
			ctx.AbortWithStatusJSON(http.StatusTooManyRequests, errorResponse{Code: codeRateLimited, Msg: "Too many requests. Please slow down."})
			return
		}
		ctx.Next()
	}
}
