// Package routes classifies page paths for the authorization gate.
// The policy lives in one declarative registry so access rules stay
// auditable and testable away from HTTP plumbing.
package routes

import (
	_ "embed"
	"fmt"
	"strings"

	"gopkg.in/yaml.v3"

	"github.com/nexus-os/nexus/internal/auth"
)

// Well-known page paths referenced by the gate's redirect rules
const (
	PathHome          = "/"
	PathLogin         = "/login"
	PathSignup        = "/signup"
	PathTwoFactor     = "/two-factor"
	PathLanding       = "/bling" // post-login landing page
	PathNotAuthorized = "/sem-permissao"
)

//go:embed registry.yaml
var registryYAML []byte

// Classification answers the three questions the gate asks about a path
type Classification struct {
	IsAuthRoute    bool
	IsPrivateRoute bool
	MinRole        auth.Role // valid only when IsPrivateRoute
}

// Classifier is a pure lookup over the static route registry
type Classifier struct {
	authRoutes    map[string]bool
	privateRoutes map[string]auth.Role
}

type registryFile struct {
	AuthRoutes    []string `yaml:"auth_routes"`
	PrivateRoutes []struct {
		Path    string `yaml:"path"`
		MinRole string `yaml:"min_role"`
	} `yaml:"private_routes"`
}

// NewClassifier loads the embedded route registry
func NewClassifier() (*Classifier, error) {
	return parseRegistry(registryYAML)
}

func parseRegistry(data []byte) (*Classifier, error) {
	var file registryFile
	if err := yaml.Unmarshal(data, &file); err != nil {
		return nil, fmt.Errorf("failed to parse route registry: %w", err)
	}

	c := &Classifier{
		authRoutes:    make(map[string]bool, len(file.AuthRoutes)),
		privateRoutes: make(map[string]auth.Role, len(file.PrivateRoutes)),
	}

	for _, path := range file.AuthRoutes {
		c.authRoutes[path] = true
	}
	for _, route := range file.PrivateRoutes {
		role := auth.Role(route.MinRole)
		if !role.Valid() {
			return nil, fmt.Errorf("route registry: unknown role %q for %s", route.MinRole, route.Path)
		}
		c.privateRoutes[route.Path] = role
	}

	return c, nil
}

// Classify maps a normalized URL path (leading slash, no query string)
// to its classification. Unknown paths are public; denying requests
// without a token is the gate's job, not the classifier's.
func (c *Classifier) Classify(path string) Classification {
	path = normalize(path)

	if c.authRoutes[path] {
		return Classification{IsAuthRoute: true}
	}
	if minRole, ok := c.privateRoutes[path]; ok {
		return Classification{IsPrivateRoute: true, MinRole: minRole}
	}

	// Nested pages inherit the classification of their closest
	// registered ancestor (/dashboard/alerts -> /dashboard)
	for prefix := parent(path); prefix != ""; prefix = parent(prefix) {
		if minRole, ok := c.privateRoutes[prefix]; ok {
			return Classification{IsPrivateRoute: true, MinRole: minRole}
		}
	}

	return Classification{}
}

func normalize(path string) string {
	if path == "" {
		return "/"
	}
	if !strings.HasPrefix(path, "/") {
		path = "/" + path
	}
	if len(path) > 1 {
		path = strings.TrimSuffix(path, "/")
	}
	return path
}

func parent(path string) string {
	idx := strings.LastIndex(path, "/")
	if idx <= 0 {
		return ""
	}
	return path[:idx]
}
