package auth

import (
	"bufio"
	"encoding/hex"
	"io"
	"strconv"
	"strings"

	"github.com/pkg/errors"
)

// NodeAddr is one "address:port" line of a client's nodes file.
type NodeAddr struct {
	Host string
	Port int
}

func (n NodeAddr) String() string {
	return n.Host + ":" + strconv.Itoa(n.Port)
}

// ParseNodesFile parses the client-side nodes file format from spec.md §6:
// one "address:port" per line, "#" starts a line comment, blank lines are
// ignored.
func ParseNodesFile(r io.Reader) ([]NodeAddr, error) {
	var nodes []NodeAddr
	sc := bufio.NewScanner(r)
	lineNo := 0
	for sc.Scan() {
		lineNo++
		line := strings.TrimSpace(sc.Text())
		if line == "" || strings.HasPrefix(line, "#") {
			continue
		}
		host, portStr, ok := strings.Cut(line, ":")
		if !ok {
			return nil, errors.Errorf("nodes file line %d: missing ':' in %q", lineNo, line)
		}
		port, err := strconv.Atoi(portStr)
		if err != nil {
			return nil, errors.Wrapf(err, "nodes file line %d: bad port in %q", lineNo, line)
		}
		nodes = append(nodes, NodeAddr{Host: host, Port: port})
	}
	if err := sc.Err(); err != nil {
		return nil, err
	}
	return nodes, nil
}

// ParseCredentialsFile parses the server-side credentials file format from
// spec.md §6: whitespace-separated "name key-hex" per line.
func ParseCredentialsFile(r io.Reader) (map[string][]byte, error) {
	out := make(map[string][]byte)
	sc := bufio.NewScanner(r)
	lineNo := 0
	for sc.Scan() {
		lineNo++
		line := strings.TrimSpace(sc.Text())
		if line == "" || strings.HasPrefix(line, "#") {
			continue
		}
		fields := strings.Fields(line)
		if len(fields) != 2 {
			return nil, errors.Errorf("credentials file line %d: expected 'name key-hex', got %q", lineNo, line)
		}
		key, err := hex.DecodeString(fields[1])
		if err != nil {
			return nil, errors.Wrapf(err, "credentials file line %d: bad hex key", lineNo)
		}
		out[fields[0]] = key
	}
	if err := sc.Err(); err != nil {
		return nil, err
	}
	return out, nil
}
