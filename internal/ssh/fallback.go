package ssh

import (
	"context"
	"fmt"
	"os/user"

	"github.com/ivasilyev/matryoshka/internal/errors"
	"github.com/ivasilyev/matryoshka/internal/target"
)

// Strategy derives the credentials for one authentication attempt
type Strategy struct {
	Name        string
	Credentials func(node target.Node) Credentials
}

// Strategies is the credential fallback order: the node's user and password,
// then the node's user with key-based auth only, then the local account name
// with key-based auth only.
var Strategies = []Strategy{
	{
		Name: "password",
		Credentials: func(node target.Node) Credentials {
			return Credentials{User: node.User, Password: node.Password}
		},
	},
	{
		Name: "user-only",
		Credentials: func(node target.Node) Credentials {
			return Credentials{User: node.User}
		},
	},
	{
		Name: "host-only",
		Credentials: func(node target.Node) Credentials {
			return Credentials{User: localUser()}
		},
	},
}

// localUser is the account name used when a node gives no user
var localUser = func() string {
	if u, err := user.Current(); err == nil {
		return u.Username
	}
	return ""
}

// Connect opens a session to node, walking Strategies in order. Only
// authentication rejections move on to the next strategy; any other error is
// returned immediately. Exhausting every strategy yields an Authentication
// error wrapping the last rejection.
func Connect(ctx context.Context, dialer Dialer, node target.Node) (Session, string, error) {
	return ConnectWith(ctx, dialer, node, Strategies, nil)
}

// ConnectWith is Connect with an explicit strategy list. onReject, when set,
// observes every rejected strategy.
func ConnectWith(ctx context.Context, dialer Dialer, node target.Node, strategies []Strategy, onReject func(strategy string, err error)) (Session, string, error) {
	var lastErr error
	for _, strategy := range strategies {
		session, err := dialer.Dial(ctx, node, strategy.Credentials(node))
		if err == nil {
			return session, strategy.Name, nil
		}
		if !isAuthRejection(err) {
			return nil, strategy.Name, err
		}
		if onReject != nil {
			onReject(strategy.Name, err)
		}
		lastErr = err
	}

	return nil, "", errors.NewAuthenticationError(
		fmt.Sprintf("all %d credential strategies rejected by %s", len(strategies), node), lastErr)
}

func isAuthRejection(err error) bool {
	return errors.IsType(err, errors.AuthenticationErrorType) || errors.TypeOf(err) == errors.AuthenticationErrorType
}

// Probe checks that node accepts a connection with any strategy
func Probe(ctx context.Context, dialer Dialer, node target.Node) error {
	session, _, err := Connect(ctx, dialer, node)
	if err != nil {
		return err
	}
	return session.Close()
}
