// Package endpoint parses the host:port arguments given on the command line.
package endpoint

import (
	"fmt"
	"net"
	"strconv"
	"strings"
)

// Endpoint is a host and port pair. It is never modified after parsing.
type Endpoint struct {
	Host string
	Port int
}

// String renders the endpoint as a dialable address, bracketing IPv6 hosts.
func (e Endpoint) String() string {
	return net.JoinHostPort(e.Host, strconv.Itoa(e.Port))
}

// Parse splits arg at its last colon. The host is everything before it and
// must be non-empty; the port must be all decimal digits in 1..65535.
func Parse(arg string) (Endpoint, error) {
	i := strings.LastIndexByte(arg, ':')
	if i <= 0 || i == len(arg)-1 {
		return Endpoint{}, fmt.Errorf("illegal argument '%s'", arg)
	}
	host, portStr := arg[:i], arg[i+1:]
	for _, r := range portStr {
		if r < '0' || r > '9' {
			return Endpoint{}, fmt.Errorf("illegal argument '%s'", arg)
		}
	}
	port, err := strconv.Atoi(portStr)
	if err != nil || port < 1 || port > 65535 {
		return Endpoint{}, fmt.Errorf("illegal argument '%s': port out of range", arg)
	}
	if len(host) > 2 && host[0] == '[' && host[len(host)-1] == ']' {
		host = host[1 : len(host)-1]
	}
	return Endpoint{Host: host, Port: port}, nil
}

// ParseAll parses every argument, failing on the first malformed one.
func ParseAll(args []string) ([]Endpoint, error) {
	out := make([]Endpoint, 0, len(args))
	for _, a := range args {
		ep, err := Parse(a)
		if err != nil {
			return nil, err
		}
		out = append(out, ep)
	}
	return out, nil
}
