package config

import (
	"fmt"
	"net"
	"strconv"
	"strings"
	"unicode"
)

var connectKeys = map[string]struct{}{
	"ASHOST": {}, "GWHOST": {}, "SYSNR": {}, "GWSERV": {},
	"CLIENT": {}, "USER": {}, "PASSWD": {}, "LANG": {},
	"SAPLOGON_ID": {}, "PROGRAM_ID": {}, "TRACE": {},
}

// ParseConnectString splits "ASHOST=host SYSNR=42 CLIENT=001" into upper-case
// keys. Values may be double-quoted to contain spaces.
func ParseConnectString(s string) (map[string]string, error) {
	out := make(map[string]string)
	rs := []rune(strings.TrimSpace(s))
	for i := 0; i < len(rs); {
		for i < len(rs) && unicode.IsSpace(rs[i]) {
			i++
		}
		if i >= len(rs) {
			break
		}
		start := i
		for i < len(rs) && rs[i] != '=' && !unicode.IsSpace(rs[i]) {
			i++
		}
		key := strings.ToUpper(string(rs[start:i]))
		if i >= len(rs) || rs[i] != '=' {
			return nil, fmt.Errorf("connect string: %q has no value", key)
		}
		i++
		var value string
		if i < len(rs) && rs[i] == '"' {
			end := i + 1
			for end < len(rs) && rs[end] != '"' {
				end++
			}
			if end >= len(rs) {
				return nil, fmt.Errorf("connect string: unterminated quote for %s", key)
			}
			value = string(rs[i+1 : end])
			i = end + 1
		} else {
			vs := i
			for i < len(rs) && !unicode.IsSpace(rs[i]) {
				i++
			}
			value = string(rs[vs:i])
		}
		if _, ok := connectKeys[key]; !ok {
			return nil, fmt.Errorf("connect string: unknown key %s", key)
		}
		if _, dup := out[key]; dup {
			return nil, fmt.Errorf("connect string: duplicate key %s", key)
		}
		out[key] = value
	}
	if len(out) == 0 {
		return nil, fmt.Errorf("connect string: empty")
	}
	return out, nil
}

// ServicePort maps a gateway service to a TCP port: "sapgwNN" is 33NN and a
// plain number is used as is.
func ServicePort(service string) (string, error) {
	service = strings.ToLower(strings.TrimSpace(service))
	if nn, ok := strings.CutPrefix(service, "sapgw"); ok {
		return SystemNumberPort(nn)
	}
	if p, err := strconv.Atoi(service); err == nil && p > 0 && p < 65536 {
		return service, nil
	}
	return "", fmt.Errorf("gateway service %q is neither sapgwNN nor a port", service)
}

// SystemNumberPort maps a two-digit system number to its gateway port 33NN.
func SystemNumberPort(sysnr string) (string, error) {
	sysnr = strings.TrimSpace(sysnr)
	n, err := strconv.Atoi(sysnr)
	if err != nil || len(sysnr) != 2 || n < 0 {
		return "", fmt.Errorf("system number %q must be two digits", sysnr)
	}
	return "33" + sysnr, nil
}

// Addr is the dial address: Address, else host plus the port from Service
// or SystemNumber.
func (d DestinationConfig) Addr() (string, error) {
	if a := strings.TrimSpace(d.Address); a != "" {
		return a, nil
	}
	var (
		port string
		err  error
	)
	switch {
	case strings.TrimSpace(d.Service) != "":
		port, err = ServicePort(d.Service)
	case strings.TrimSpace(d.SystemNumber) != "":
		port, err = SystemNumberPort(d.SystemNumber)
	default:
		return "", fmt.Errorf("%w: destination %s has no address, service or sysnr", ErrInvalidConfig, d.Name)
	}
	if err != nil {
		return "", fmt.Errorf("%w: destination %s: %v", ErrInvalidConfig, d.Name, err)
	}
	return net.JoinHostPort(firstNonEmpty(d.Host, "localhost"), port), nil
}

func (f File) resolveConnectString(base DestinationConfig, cs string) (DestinationConfig, error) {
	params, err := ParseConnectString(cs)
	if err != nil {
		return DestinationConfig{}, err
	}
	d := base
	if id, ok := params["SAPLOGON_ID"]; ok {
		found := false
		for _, entry := range f.Destinations {
			if !strings.EqualFold(entry.Name, id) {
				continue
			}
			if strings.Contains(strings.ToUpper(entry.ConnectString), "SAPLOGON_ID") {
				return DestinationConfig{}, fmt.Errorf("%w: destination %s refers to another SAPLOGON_ID", ErrInvalidConfig, entry.Name)
			}
			d = entry
			if entry.ConnectString != "" {
				if d, err = f.resolveConnectString(entry, entry.ConnectString); err != nil {
					return DestinationConfig{}, err
				}
			}
			found = true
			break
		}
		if !found {
			return DestinationConfig{}, fmt.Errorf("%w: SAPLOGON_ID %s", ErrUnknownDestination, id)
		}
	}
	d.ConnectString = ""

	if v, ok := params["ASHOST"]; ok {
		d.Host, d.Address = v, ""
	}
	if v, ok := params["GWHOST"]; ok {
		d.Host, d.Address = v, ""
	}
	if v, ok := params["SYSNR"]; ok {
		d.SystemNumber, d.Service, d.Address = v, "", ""
	}
	if v, ok := params["GWSERV"]; ok {
		d.Service, d.Address = v, ""
	}
	set := func(key string, dst *string) {
		if v, ok := params[key]; ok {
			*dst = v
		}
	}
	set("CLIENT", &d.Client)
	set("USER", &d.User)
	set("PASSWD", &d.Password)
	set("LANG", &d.Language)
	set("PROGRAM_ID", &d.ProgramID)
	set("TRACE", &d.TraceFile)
	d.Name = firstNonEmpty(base.Name, d.Name, params["SAPLOGON_ID"], d.Host, "default")
	if d.Language == "" {
		d.Language = DefaultLanguage
	}
	if _, err := d.Addr(); err != nil {
		return DestinationConfig{}, err
	}
	return d, nil
}
