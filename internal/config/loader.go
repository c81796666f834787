// Package config loads client profiles from YAML files. A profile captures
// the per-invocation knobs of the engine (protocols, redirect policy, retry,
// headers) so repeated invocations share one definition. Files are checked
// against an embedded JSON schema before any field is interpreted.
package config

import (
	"encoding/json"
	"fmt"
	"os"
	"strings"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/redial-dev/redial/client"
	"github.com/redial-dev/redial/pkg/jsonschema"
)

// Profile is one named client configuration.
type Profile struct {
	BaseURL         string            `yaml:"baseUrl,omitempty" json:"baseUrl,omitempty"`
	UserAgent       string            `yaml:"userAgent,omitempty" json:"userAgent,omitempty"`
	Timeout         string            `yaml:"timeout,omitempty" json:"timeout,omitempty"`
	Protocols       []string          `yaml:"protocols,omitempty" json:"protocols,omitempty"`
	Headers         map[string]string `yaml:"headers,omitempty" json:"headers,omitempty"`
	FollowRedirects bool              `yaml:"followRedirects,omitempty" json:"followRedirects,omitempty"`
	DisableRetry    bool              `yaml:"disableRetry,omitempty" json:"disableRetry,omitempty"`
	MaxAttempts     int               `yaml:"maxAttempts,omitempty" json:"maxAttempts,omitempty"`
	Proxy           string            `yaml:"proxy,omitempty" json:"proxy,omitempty"`
}

// File is the top-level profile file.
type File struct {
	Profiles map[string]Profile `yaml:"profiles" json:"profiles"`
}

// profileSchema is the shape every profile file must satisfy. Validation
// runs on the YAML document re-encoded as JSON.
const profileSchema = `{
  "type": "object",
  "required": ["profiles"],
  "additionalProperties": false,
  "properties": {
    "profiles": {
      "type": "object",
      "minProperties": 1,
      "additionalProperties": {
        "type": "object",
        "additionalProperties": false,
        "properties": {
          "baseUrl": {"type": "string"},
          "userAgent": {"type": "string"},
          "timeout": {"type": "string"},
          "protocols": {
            "type": "array",
            "items": {"enum": ["http/1.1", "h2", "h2c"]}
          },
          "headers": {
            "type": "object",
            "additionalProperties": {"type": "string"}
          },
          "followRedirects": {"type": "boolean"},
          "disableRetry": {"type": "boolean"},
          "maxAttempts": {"type": "integer", "minimum": 0},
          "proxy": {"type": "string"}
        }
      }
    }
  }
}`

// Load reads and validates a profile file.
func Load(path string) (*File, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("reading profile file: %w", err)
	}
	return Parse(data)
}

// Parse validates and decodes profile file content.
func Parse(data []byte) (*File, error) {
	var doc interface{}
	if err := yaml.Unmarshal(data, &doc); err != nil {
		return nil, fmt.Errorf("parsing profile file: %w", err)
	}
	encoded, err := json.Marshal(doc)
	if err != nil {
		return nil, fmt.Errorf("parsing profile file: %w", err)
	}
	if ok, errs := jsonschema.ValidateWithErrors(string(encoded), profileSchema); !ok {
		return nil, fmt.Errorf("invalid profile file: %w", errs)
	}

	var f File
	if err := yaml.Unmarshal(data, &f); err != nil {
		return nil, fmt.Errorf("parsing profile file: %w", err)
	}
	for name, p := range f.Profiles {
		if p.Timeout != "" {
			if _, err := time.ParseDuration(p.Timeout); err != nil {
				return nil, fmt.Errorf("profile %q: invalid timeout %q: %w", name, p.Timeout, err)
			}
		}
	}
	return &f, nil
}

// Profile returns the named profile, or the sole profile when name is empty
// and exactly one exists.
func (f *File) Profile(name string) (Profile, error) {
	if name == "" {
		if len(f.Profiles) == 1 {
			for _, p := range f.Profiles {
				return p, nil
			}
		}
		return Profile{}, fmt.Errorf("profile name required, file defines %d profiles", len(f.Profiles))
	}
	p, ok := f.Profiles[name]
	if !ok {
		return Profile{}, fmt.Errorf("profile not found: %s", name)
	}
	return p, nil
}

// Options maps the profile onto engine options.
func (p Profile) Options() ([]client.Option, error) {
	var opts []client.Option
	if p.BaseURL != "" {
		opts = append(opts, client.WithBaseURL(p.BaseURL))
	}
	if p.UserAgent != "" {
		opts = append(opts, client.WithUserAgent(p.UserAgent))
	}
	if p.Timeout != "" {
		d, err := time.ParseDuration(p.Timeout)
		if err != nil {
			return nil, fmt.Errorf("invalid timeout %q: %w", p.Timeout, err)
		}
		opts = append(opts, client.WithResponseTimeout(d))
	}
	if len(p.Protocols) > 0 {
		protos, err := parseProtocols(p.Protocols)
		if err != nil {
			return nil, err
		}
		opts = append(opts, client.WithProtocols(protos...))
	}
	for k, v := range p.Headers {
		opts = append(opts, client.WithHeader(k, v))
	}
	if p.FollowRedirects {
		opts = append(opts, client.WithFollowRedirects())
	}
	if p.DisableRetry {
		opts = append(opts, client.WithRetryDisabled())
	}
	if p.MaxAttempts > 0 {
		opts = append(opts, client.WithMaxAttempts(p.MaxAttempts))
	}
	if p.Proxy != "" {
		opts = append(opts, client.WithProxy(p.Proxy))
	}
	return opts, nil
}

func parseProtocols(names []string) ([]client.Protocol, error) {
	protos := make([]client.Protocol, 0, len(names))
	for _, name := range names {
		switch strings.ToLower(name) {
		case "http/1.1":
			protos = append(protos, client.HTTP11)
		case "h2":
			protos = append(protos, client.H2)
		case "h2c":
			protos = append(protos, client.H2C)
		default:
			return nil, fmt.Errorf("unknown protocol: %s", name)
		}
	}
	return protos, nil
}
