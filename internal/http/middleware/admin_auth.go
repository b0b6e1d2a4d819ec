package middleware

import (
	"bytes"
	"log"
	"strings"

	"github.com/valyala/fasthttp"
	"golang.org/x/crypto/bcrypt"
)

// AdminAuth guards destructive operator endpoints with a bearer token.
// The configured token is hashed once at startup so a per-request
// comparison never touches the plaintext; an empty token disables the
// guarded endpoints entirely.
func AdminAuth(adminToken string) func(fasthttp.RequestHandler) fasthttp.RequestHandler {
	var hash []byte
	if adminToken != "" {
		var err error
		hash, err = bcrypt.GenerateFromPassword([]byte(adminToken), bcrypt.DefaultCost)
		if err != nil {
			log.Printf("admin auth: failed to hash token, endpoints disabled: %v", err)
			hash = nil
		}
	}

	return func(next fasthttp.RequestHandler) fasthttp.RequestHandler {
		return func(ctx *fasthttp.RequestCtx) {
			if hash == nil {
				ctx.SetStatusCode(fasthttp.StatusForbidden)
				ctx.SetBodyString("admin endpoints disabled")
				return
			}

			auth := ctx.Request.Header.Peek("Authorization")
			const prefix = "Bearer "
			if !bytes.HasPrefix(auth, []byte(prefix)) {
				ctx.SetStatusCode(fasthttp.StatusUnauthorized)
				ctx.SetBodyString("missing bearer token")
				return
			}

			token := strings.TrimSpace(string(auth[len(prefix):]))
			if token == "" || bcrypt.CompareHashAndPassword(hash, []byte(token)) != nil {
				ctx.SetStatusCode(fasthttp.StatusUnauthorized)
				ctx.SetBodyString("invalid admin token")
				return
			}

			next(ctx)
		}
	}
}
