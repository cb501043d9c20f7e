package ratelimit

import "strings"

// Caller is what the classifier needs to know about the requester.
type Caller struct {
	ID   string
	Role string
	Tier string
}

func (c Caller) Authenticated() bool { return c.ID != "" }

// Key is the counter identity: the user id when known, else the address.
func (c Caller) Key(addr string) string {
	if c.Authenticated() {
		return "user:" + c.ID
	}
	return "ip:" + addr
}

var endpointClasses = []struct {
	name     PolicyName
	prefixes []string
}{
	{Sensitive, []string{"/api/auth", "/api/sso", "/api/password", "/api/mfa"}},
	{AI, []string{"/api/ai"}},
	{Upload, []string{"/api/upload", "/api/uploads", "/api/media", "/api/videos/upload"}},
	{Search, []string{"/api/search"}},
}

// Classify picks the policy for a request. Endpoint classes win over the
// caller's role so that expensive or abuse-prone routes keep their own
// budget even for admins.
func Classify(c Caller, path string) PolicyName {
	for _, class := range endpointClasses {
		for _, prefix := range class.prefixes {
			if UnderPrefix(path, prefix) {
				return class.name
			}
		}
	}

	switch {
	case c.Authenticated() && strings.EqualFold(c.Role, "admin"):
		return Admin
	case c.Authenticated() && isPaidTier(c.Tier):
		return Premium
	case c.Authenticated():
		return Authenticated
	default:
		return Anonymous
	}
}

func isPaidTier(tier string) bool {
	switch strings.ToLower(strings.TrimSpace(tier)) {
	case "premium", "enterprise":
		return true
	}
	return false
}

// UnderPrefix matches whole path segments: /api/auth covers /api/auth and
// /api/auth/login but not /api/authors.
func UnderPrefix(path, prefix string) bool {
	prefix = strings.TrimSuffix(prefix, "/")
	if prefix == "" {
		return true
	}
	return path == prefix || strings.HasPrefix(path, prefix+"/")
}
