// Package tunnelconf renders the tunnel daemon's configuration file from
// the gateway's network parameters. Rendering is deterministic: the same
// parameters always produce the same text, with exactly one pushed-route
// directive per cloud subnet and one local-route directive per remote
// network.
package tunnelconf

import (
	"errors"
	"fmt"
	"net"
	"os"
	"path/filepath"
	"strings"
	"text/template"
)

// Params are the inputs to the renderer. All paths must exist on disk at
// render time; a missing artifact is an error, never a silently omitted
// directive.
type Params struct {
	Port   int
	Proto  string
	Device string

	CACertPath     string
	ServerCertPath string
	ServerKeyPath  string
	DHParamsPath   string
	TLSAuthPath    string

	// Pool is the tunnel's internal address pool (CIDR).
	Pool string

	// PushedRoutes are cloud-subnet CIDRs advertised to every connecting
	// client. LocalRoutes are remote-network CIDRs the gateway itself
	// routes into the tunnel.
	PushedRoutes []string
	LocalRoutes  []string

	Cipher string
	Auth   string

	KeepaliveInterval int
	KeepaliveTimeout  int

	User  string
	Group string
}

// renderedParams is Params with CIDRs pre-converted to "network mask"
// form, which is what the daemon's config grammar wants.
type renderedParams struct {
	Params
	PoolNM         string
	PushedRoutesNM []string
	LocalRoutesNM  []string
}

var configTemplate = template.Must(template.New("server.conf").Parse(
	`# Managed by bridgegate. Do not edit; changes are overwritten on bootstrap.
port {{.Port}}
proto {{.Proto}}
dev {{.Device}}

ca {{.CACertPath}}
cert {{.ServerCertPath}}
key {{.ServerKeyPath}}
dh {{.DHParamsPath}}
tls-auth {{.TLSAuthPath}} 0

topology subnet
server {{.PoolNM}}
{{range .PushedRoutesNM}}push "route {{.}}"
{{end}}{{range .LocalRoutesNM}}route {{.}}
{{end}}
cipher {{.Cipher}}
auth {{.Auth}}
keepalive {{.KeepaliveInterval}} {{.KeepaliveTimeout}}

user {{.User}}
group {{.Group}}
persist-key
persist-tun

status /var/log/openvpn/status.log
verb 3
`))

// Render produces the daemon configuration text, validating the parameters
// first.
func Render(p Params) (string, error) {
	rp, err := prepare(p)
	if err != nil {
		return "", err
	}

	var b strings.Builder
	if err := configTemplate.Execute(&b, rp); err != nil {
		return "", fmt.Errorf("rendering tunnel config: %w", err)
	}
	return b.String(), nil
}

// Write renders the configuration and installs it at path via a temp-file
// rename, so the daemon never observes a half-written config.
func Write(p Params, path string) error {
	text, err := Render(p)
	if err != nil {
		return err
	}

	dir := filepath.Dir(path)
	if err := os.MkdirAll(dir, 0755); err != nil {
		return fmt.Errorf("creating config directory %s: %w", dir, err)
	}

	tmp, err := os.CreateTemp(dir, ".bridgegate-conf-*")
	if err != nil {
		return fmt.Errorf("creating temp config: %w", err)
	}
	tmpName := tmp.Name()
	defer os.Remove(tmpName)

	if _, err := tmp.WriteString(text); err != nil {
		tmp.Close()
		return fmt.Errorf("writing temp config: %w", err)
	}
	if err := tmp.Chmod(0644); err != nil {
		tmp.Close()
		return fmt.Errorf("setting config mode: %w", err)
	}
	if err := tmp.Close(); err != nil {
		return fmt.Errorf("closing temp config: %w", err)
	}

	if err := os.Rename(tmpName, path); err != nil {
		return fmt.Errorf("installing config %s: %w", path, err)
	}
	return nil
}

func prepare(p Params) (renderedParams, error) {
	var errs []error

	if p.Port <= 0 {
		errs = append(errs, fmt.Errorf("port %d is not valid", p.Port))
	}
	if p.Proto == "" || p.Device == "" {
		errs = append(errs, errors.New("proto and device are required"))
	}
	if p.Cipher == "" || p.Auth == "" {
		errs = append(errs, errors.New("cipher and auth are required"))
	}
	if p.KeepaliveInterval <= 0 || p.KeepaliveTimeout <= 0 {
		errs = append(errs, errors.New("keepalive interval and timeout are required"))
	}
	if p.User == "" || p.Group == "" {
		errs = append(errs, errors.New("run-as user and group are required"))
	}
	if len(p.PushedRoutes) == 0 {
		errs = append(errs, errors.New("at least one pushed route is required"))
	}
	if len(p.LocalRoutes) == 0 {
		errs = append(errs, errors.New("at least one local route is required"))
	}

	for name, path := range map[string]string{
		"ca certificate": p.CACertPath,
		"server cert":    p.ServerCertPath,
		"server key":     p.ServerKeyPath,
		"dh params":      p.DHParamsPath,
		"tls-auth key":   p.TLSAuthPath,
	} {
		if path == "" {
			errs = append(errs, fmt.Errorf("%s path is required", name))
			continue
		}
		if _, err := os.Stat(path); err != nil {
			errs = append(errs, fmt.Errorf("%s: %w", name, err))
		}
	}

	rp := renderedParams{Params: p}

	pool, err := cidrToNetworkMask(p.Pool)
	if err != nil {
		errs = append(errs, fmt.Errorf("pool: %w", err))
	}
	rp.PoolNM = pool

	rp.PushedRoutesNM, err = convertAll(p.PushedRoutes)
	if err != nil {
		errs = append(errs, fmt.Errorf("pushed routes: %w", err))
	}
	rp.LocalRoutesNM, err = convertAll(p.LocalRoutes)
	if err != nil {
		errs = append(errs, fmt.Errorf("local routes: %w", err))
	}

	if err := errors.Join(errs...); err != nil {
		return renderedParams{}, err
	}
	return rp, nil
}

func convertAll(cidrs []string) ([]string, error) {
	out := make([]string, 0, len(cidrs))
	seen := make(map[string]bool)
	for _, c := range cidrs {
		nm, err := cidrToNetworkMask(c)
		if err != nil {
			return nil, err
		}
		if seen[nm] {
			return nil, fmt.Errorf("duplicate route %s", c)
		}
		seen[nm] = true
		out = append(out, nm)
	}
	return out, nil
}

// cidrToNetworkMask converts "10.0.0.0/16" to "10.0.0.0 255.255.0.0".
func cidrToNetworkMask(cidr string) (string, error) {
	_, ipNet, err := net.ParseCIDR(cidr)
	if err != nil {
		return "", fmt.Errorf("invalid CIDR %q: %w", cidr, err)
	}
	ip4 := ipNet.IP.To4()
	if ip4 == nil {
		return "", fmt.Errorf("%q is not an IPv4 network", cidr)
	}
	mask := net.IP(ipNet.Mask)
	return fmt.Sprintf("%s %s", ip4, mask), nil
}
