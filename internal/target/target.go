package target

import (
	"bufio"
	"context"
	"fmt"
	"io"
	"log/slog"
	"net"
	"sort"
	"strconv"
	"strings"

	"github.com/spf13/afero"

	"github.com/ivasilyev/matryoshka/internal/errors"
	"github.com/ivasilyev/matryoshka/internal/executor"
)

// DefaultPort is used when a node entry omits the port or gives a non-numeric one
const DefaultPort = 22

// Node represents a remote host parsed from a node specification
type Node struct {
	Host     string // Hostname or IP address
	User     string // SSH username, may be empty
	Password string // SSH password, may be empty
	Port     int    // SSH port number
	Original string // Original entry
}

// Address returns host:port suitable for dialing
func (n Node) Address() string {
	return net.JoinHostPort(n.Host, strconv.Itoa(n.Port))
}

// String identifies the node without its password
func (n Node) String() string {
	if n.User == "" {
		return n.Address()
	}
	return n.User + "@" + n.Address()
}

// ParseNodeSpec parses a single "host[:user[:password[:port]]]" entry.
// Fields past the fourth are ignored. ok is false when the host is empty.
// The password is kept verbatim; surrounding blanks are trimmed from the
// entry and from every other field.
func ParseNodeSpec(entry string) (node Node, ok bool) {
	entry = strings.TrimSpace(entry)
	fields := strings.Split(entry, ":")

	field := func(i int) string {
		if i < len(fields) {
			return fields[i]
		}
		return ""
	}

	node = Node{
		Host:     strings.TrimSpace(field(0)),
		User:     strings.TrimSpace(field(1)),
		Password: field(2),
		Port:     DefaultPort,
		Original: entry,
	}

	if port, err := strconv.Atoi(strings.TrimSpace(field(3))); err == nil {
		node.Port = port
	}

	return node, node.Host != ""
}

// ParseNodes parses a comma-separated node list
func ParseNodes(input string) []Node {
	return collect(strings.Split(input, ","))
}

// ParseNodeReader reads node entries from any io.Reader (one per line)
func ParseNodeReader(reader io.Reader) ([]Node, error) {
	var entries []string
	scanner := bufio.NewScanner(reader)
	for scanner.Scan() {
		entries = append(entries, scanner.Text())
	}
	if err := scanner.Err(); err != nil {
		return nil, fmt.Errorf("error reading node list: %w", err)
	}
	return collect(entries), nil
}

// collect parses entries, drops the ones without a host and orders the rest
// descending by host. Later identifiers are assumed to be newer hardware.
func collect(entries []string) []Node {
	nodes := make([]Node, 0, len(entries))
	for _, entry := range entries {
		if strings.TrimSpace(entry) == "" {
			continue
		}
		if node, ok := ParseNodeSpec(entry); ok {
			nodes = append(nodes, node)
		}
	}
	sort.SliceStable(nodes, func(i, j int) bool {
		return nodes[i].Host > nodes[j].Host
	})
	return nodes
}

// Resolve turns a node specification into nodes. spec names a file of
// newline-delimited entries when such a file exists, otherwise it is an
// inline comma-separated list.
func Resolve(fs afero.Fs, spec string) ([]Node, string, error) {
	if strings.TrimSpace(spec) == "" {
		return nil, "", errors.NewUsageError("empty node specification", nil)
	}

	if info, err := fs.Stat(spec); err == nil && !info.IsDir() {
		f, err := fs.Open(spec)
		if err != nil {
			return nil, "", errors.NewUsageError(fmt.Sprintf("failed to open node file '%s'", spec), err)
		}
		defer f.Close()

		nodes, err := ParseNodeReader(f)
		if err != nil {
			return nil, "", errors.NewUsageError(fmt.Sprintf("failed to read node file '%s'", spec), err)
		}
		return nodes, "node file: " + spec, nil
	}

	return ParseNodes(spec), "inline node list", nil
}

// Prober performs a connect-only check against a node
type Prober func(ctx context.Context, node Node) error

// ProbeResult records the outcome of one liveness probe
type ProbeResult struct {
	Node Node
	Err  error
}

// Alive probes every node in parallel and returns the reachable ones in
// their original order, together with every probe outcome. Zero alive nodes
// is a NoAliveNodes error.
func Alive(ctx context.Context, nodes []Node, probe Prober, logger *slog.Logger) ([]Node, []ProbeResult, error) {
	tasks := make([]executor.Task[struct{}], len(nodes))
	for i, node := range nodes {
		tasks[i] = executor.Task[struct{}]{
			Name: node.String(),
			Run: func(ctx context.Context) (struct{}, error) {
				return struct{}{}, probe(ctx, node)
			},
		}
	}

	results := executor.Run(ctx, executor.NewPool(len(nodes), logger), tasks)

	alive := make([]Node, 0, len(nodes))
	probes := make([]ProbeResult, len(nodes))
	for i, r := range results {
		probes[i] = ProbeResult{Node: nodes[i], Err: r.Err}
		if r.Err == nil {
			alive = append(alive, nodes[i])
		}
	}

	if len(alive) == 0 {
		return nil, probes, errors.NewNoAliveNodesError(
			fmt.Sprintf("none of %d nodes passed the liveness probe", len(nodes)), nil)
	}

	return alive, probes, nil
}
