// Command chat-token mints access tokens for local development.
package main

import (
	"fmt"
	"os"
	"time"

	"github.com/spf13/pflag"
	pkgconfig "github.com/weiawesome/wes-io-chat/pkg/config"
	"github.com/weiawesome/wes-io-chat/pkg/jwt"
	pkglog "github.com/weiawesome/wes-io-chat/pkg/log"
)

func main() {
	userID := pflag.Int64P("user", "u", 0, "user id to put in the token")
	username := pflag.StringP("name", "n", "", "optional username claim")
	ttl := pflag.Duration("ttl", 24*time.Hour, "token lifetime")
	secret := pflag.String("secret", pkgconfig.GetEnv("JWT_SECRET", ""), "signing secret (default $JWT_SECRET)")
	issuer := pflag.String("issuer", pkgconfig.GetEnv("JWT_ISSUER", ""), "issuer claim (default $JWT_ISSUER)")
	pflag.Parse()

	l := pkglog.L()
	if *userID <= 0 {
		pflag.Usage()
		os.Exit(2)
	}

	tokens, err := jwt.NewManager(*secret, *ttl, *issuer)
	if err != nil {
		l.Fatal().Err(err).Msg("failed to create token manager")
	}

	token, exp, err := tokens.GenerateToken(*userID, *username)
	if err != nil {
		l.Fatal().Err(err).Msg("failed to generate token")
	}

	l.Debug().Int64(pkglog.FieldUserID, *userID).Time("expires_at", exp).Msg("token issued")
	fmt.Println(token)
}
