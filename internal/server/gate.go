package server

import (
	"fmt"
	"net/http"
	"net/url"

	"github.com/gin-gonic/gin"

	"github.com/nexus-os/nexus/internal/auth"
	"github.com/nexus-os/nexus/internal/routes"
)

// authGate enforces page access before any page handler runs. It only
// reads the decoded session token and the route registry; no network
// or database access, no state mutation. A token that fails signature
// or expiry checks is treated exactly like no token.
//
// Rules, first match redirects:
//  1. home path with the home page disabled         -> login
//  2. signup path with signups disabled             -> login
//  3. valid token:
//     a. private path while 2FA is still pending    -> login
//     b. auth-flow path with a settled session      -> landing page
//     c. role below the path's minimum              -> not-authorized page
//  4. no valid token on a private path              -> login?redirect=<path>
//  5. otherwise pass through
func (s *Server) authGate() gin.HandlerFunc {
	return func(c *gin.Context) {
		path := c.Request.URL.Path

		if path == routes.PathHome && !s.config.App.HomeEnabled {
			redirect(c, routes.PathLogin)
			return
		}
		if path == routes.PathSignup && !s.config.App.SignupsEnabled {
			redirect(c, routes.PathLogin)
			return
		}

		class := s.classifier.Classify(path)
		claims := s.gateClaims(c)

		if claims != nil {
			if class.IsPrivateRoute && claims.Required2FA {
				redirect(c, routes.PathLogin)
				return
			}
			if class.IsAuthRoute && !claims.Required2FA {
				redirect(c, routes.PathLanding)
				return
			}
			if class.IsPrivateRoute && !claims.Role.AtLeast(class.MinRole) {
				redirect(c, routes.PathNotAuthorized)
				return
			}
		} else if class.IsPrivateRoute {
			redirect(c, fmt.Sprintf("%s?redirect=%s", routes.PathLogin, url.QueryEscape(path)))
			return
		}

		c.Next()
	}
}

// gateClaims decodes the session cookie; any failure degrades to nil
func (s *Server) gateClaims(c *gin.Context) *auth.SessionClaims {
	token, err := c.Cookie(sessionCookie)
	if err != nil || token == "" {
		return nil
	}
	claims, err := auth.ValidateToken(token)
	if err != nil {
		return nil
	}
	return claims
}

func redirect(c *gin.Context, location string) {
	c.Redirect(http.StatusFound, location)
	c.Abort()
}

// registerPages wires every page path through the authorization gate.
// The pages themselves are shells: the client bundle takes over after
// the gate has decided the navigation.
func (s *Server) registerPages() {
	pages := s.router.Group("/", s.authGate())

	for _, path := range []string{
		routes.PathHome,
		routes.PathLogin,
		routes.PathSignup,
		"/reset-password",
		"/activate",
		routes.PathTwoFactor,
		"/dashboard",
		routes.PathLanding,
		"/bling/resultado",
		"/bling/erro",
		"/configuracoes",
		"/assinatura",
		"/users",
		"/admin",
		routes.PathNotAuthorized,
	} {
		pages.GET(path, s.servePage)
	}
}

func (s *Server) servePage(c *gin.Context) {
	c.Header("Content-Type", "text/html; charset=utf-8")
	c.String(http.StatusOK, pageShell)
}

const pageShell = `<!DOCTYPE html>
<html lang="pt-BR">
<head>
  <meta charset="utf-8">
  <meta name="viewport" content="width=device-width, initial-scale=1">
  <title>Nexus OS</title>
  <script type="module" src="/assets/app.js"></script>
</head>
<body>
  <div id="root"></div>
</body>
</html>
`
