package source

import (
	"fmt"
	"net/url"
	"strconv"
	"strings"

	"github.com/sluicedata/sluice/pkg/apperrors"
)

// ConnInfo is a parsed catalog connection string.
type ConnInfo struct {
	Host     string
	Port     int // 0 means the engine default
	User     string
	Password string
	Database string

	// Scheme is set when the string was URI form (postgres, mongodb).
	Scheme string
	// Params holds unrecognized key=value tokens and URI query options,
	// keys lowercased.
	Params map[string]string
	// Raw is the connection string exactly as stored in the catalog.
	Raw string
}

// ParseConnInfo parses a catalog connection string. Two forms are accepted:
// semicolon-separated key=value tokens with case-insensitive keys
// (host/server, user/uid, password/pwd, db/database, port), and URI form
// <scheme>://user:pass@host:port/db. The (host, user, db) triplet is
// mandatory in both forms.
func ParseConnInfo(raw string) (*ConnInfo, error) {
	trimmed := strings.TrimSpace(raw)
	if trimmed == "" {
		return nil, fmt.Errorf("empty connection string: %w", apperrors.ErrInvalidConfig)
	}

	if strings.Contains(trimmed, "://") {
		return parseURI(trimmed, raw)
	}
	return parseKeyValue(trimmed, raw)
}

func parseKeyValue(s, raw string) (*ConnInfo, error) {
	info := &ConnInfo{Params: map[string]string{}, Raw: raw}

	for _, token := range strings.Split(s, ";") {
		token = strings.TrimSpace(token)
		if token == "" {
			continue
		}
		key, value, found := strings.Cut(token, "=")
		if !found {
			return nil, fmt.Errorf("malformed token %q: %w", token, apperrors.ErrInvalidConfig)
		}
		key = strings.ToLower(strings.TrimSpace(key))
		value = strings.TrimSpace(value)

		switch key {
		case "host", "server":
			info.Host = value
		case "user", "uid":
			info.User = value
		case "password", "pwd":
			info.Password = value
		case "db", "database":
			info.Database = value
		case "port":
			port, err := strconv.Atoi(value)
			if err != nil || port <= 0 || port > 65535 {
				return nil, fmt.Errorf("invalid port %q: %w", value, apperrors.ErrInvalidConfig)
			}
			info.Port = port
		default:
			info.Params[key] = value
		}
	}

	if err := info.validate(); err != nil {
		return nil, err
	}
	return info, nil
}

func parseURI(s, raw string) (*ConnInfo, error) {
	u, err := url.Parse(s)
	if err != nil {
		return nil, fmt.Errorf("invalid connection URI: %w", apperrors.ErrInvalidConfig)
	}

	info := &ConnInfo{
		Scheme:   u.Scheme,
		Host:     u.Hostname(),
		Database: strings.TrimPrefix(u.Path, "/"),
		Params:   map[string]string{},
		Raw:      raw,
	}
	if u.User != nil {
		info.User = u.User.Username()
		if pwd, ok := u.User.Password(); ok {
			info.Password = pwd
		}
	}
	if portStr := u.Port(); portStr != "" {
		port, err := strconv.Atoi(portStr)
		if err != nil || port <= 0 || port > 65535 {
			return nil, fmt.Errorf("invalid port %q: %w", portStr, apperrors.ErrInvalidConfig)
		}
		info.Port = port
	}
	for key, values := range u.Query() {
		if len(values) > 0 {
			info.Params[strings.ToLower(key)] = values[0]
		}
	}

	if err := info.validate(); err != nil {
		return nil, err
	}
	return info, nil
}

func (i *ConnInfo) validate() error {
	var missing []string
	if i.Host == "" {
		missing = append(missing, "host")
	}
	if i.User == "" {
		missing = append(missing, "user")
	}
	if i.Database == "" {
		missing = append(missing, "db")
	}
	if len(missing) > 0 {
		return fmt.Errorf("connection string missing %s: %w",
			strings.Join(missing, ", "), apperrors.ErrInvalidConfig)
	}
	return nil
}

// PortOrDefault returns the parsed port, or def when none was given.
func (i *ConnInfo) PortOrDefault(def int) int {
	if i.Port > 0 {
		return i.Port
	}
	return def
}
