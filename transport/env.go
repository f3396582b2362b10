package transport

import (
	"os"
	"slices"
	"strings"
)

// Environment carries the deployment signals used for transport inference.
type Environment struct {
	// Serverless is set on a managed serverless deployment.
	Serverless bool
	// Production is set on a generic production deployment.
	Production bool
	// BaseURL is the externally reachable base URL, if known.
	BaseURL string
}

// LookupFunc reads one environment variable.
type LookupFunc func(key string) (string, bool)

// DetectEnvironment reads the deployment signals through lookup. A nil
// lookup reads the process environment.
func DetectEnvironment(lookup LookupFunc) Environment {
	if lookup == nil {
		lookup = os.LookupEnv
	}
	present := func(key string) bool {
		value, ok := lookup(key)
		return ok && strings.TrimSpace(value) != ""
	}
	equals := func(key, want string) bool {
		value, ok := lookup(key)
		return ok && strings.EqualFold(strings.TrimSpace(value), want)
	}

	env := Environment{
		Serverless: present("VERCEL") || present("VERCEL_ENV"),
		Production: equals("APP_ENV", "production") || equals("NODE_ENV", "production"),
	}
	if host, ok := lookup("VERCEL_URL"); ok && strings.TrimSpace(host) != "" {
		host = strings.TrimSpace(host)
		if !strings.HasPrefix(host, "http://") && !strings.HasPrefix(host, "https://") {
			host = "https://" + host
		}
		env.BaseURL = host
	} else if base, ok := lookup("API_BASE_URL"); ok {
		env.BaseURL = strings.TrimSpace(base)
	}
	env.BaseURL = strings.TrimSuffix(env.BaseURL, "/")
	return env
}

// MergeEnv combines inherited "KEY=VALUE" entries with explicit overrides.
// Explicit entries win. Inherited entries without a value separator are
// dropped.
func MergeEnv(explicit map[string]string, inherited []string) map[string]string {
	merged := make(map[string]string, len(inherited)+len(explicit))
	for _, entry := range inherited {
		key, value, ok := strings.Cut(entry, "=")
		if !ok || key == "" {
			continue
		}
		merged[key] = value
	}
	for key, value := range explicit {
		if key == "" {
			continue
		}
		merged[key] = value
	}
	return merged
}

func flattenEnv(values map[string]string) []string {
	keys := make([]string, 0, len(values))
	for key := range values {
		keys = append(keys, key)
	}
	slices.Sort(keys)

	out := make([]string, 0, len(values))
	for _, key := range keys {
		out = append(out, key+"="+values[key])
	}
	return out
}
