// Package query declares the port to a voice-server query endpoint: a
// stateful, line-oriented command/response protocol used to inspect and
// administer one virtual voice server.
package query

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/emberhollow/voicesync/internal/config"
)

// Connection phase failures. The adapter wraps the underlying cause so
// callers can classify without parsing messages.
var (
	ErrConnection = errors.New("query: connection failed")
	ErrAuth       = errors.New("query: authentication failed")
	// ErrRouting means the server definition carries neither a virtual
	// server id nor a voice port, so there is nothing to select.
	ErrRouting = errors.New("query: no virtual server selector configured")
)

// Fault ids the protocol returns for idempotent re-application of group
// membership.
const faultDuplicateEntry = 2561

// QueryError is an in-band protocol fault, delivered on the terminating
// line of a reply rather than as a transport error.
type QueryError struct {
	ID  int
	Msg string
}

func (e *QueryError) Error() string {
	return fmt.Sprintf("query fault %d: %s", e.ID, e.Msg)
}

// IsAlreadyMember reports whether err is the benign fault returned when
// a client already holds the server group being assigned.
func IsAlreadyMember(err error) bool {
	var qe *QueryError
	if !errors.As(err, &qe) {
		return false
	}
	if qe.ID == faultDuplicateEntry {
		return true
	}
	msg := strings.ToLower(qe.Msg)
	return strings.Contains(msg, "duplicate entry") || strings.Contains(msg, "already in servergroup") || strings.Contains(msg, "already member")
}

// ServerInfo is the parsed serverinfo reply.
type ServerInfo struct {
	Name          string
	Platform      string
	Version       string
	MaxClients    int
	ClientsOnline int
	UptimeSeconds int
}

// Channel is one flat record from the channellist reply.
type Channel struct {
	ID              int
	ParentID        int
	Order           int
	Name            string
	TotalClients    int
	NeededTalkPower int
}

// Client is one flat record from the clientlist reply. ID is the
// transient per-connection id; UniqueID is the stable account identity;
// DatabaseID is the persistent server-side id group assignment targets.
type Client struct {
	ID           int
	DatabaseID   int
	UniqueID     string
	Nickname     string
	ChannelID    int
	Type         int
	ServerGroups []int
	Away         bool
	InputMuted   bool
	OutputMuted  bool
}

// IsQueryClient reports whether the record belongs to a query bot
// rather than a voice user.
func (c Client) IsQueryClient() bool { return c.Type != 0 }

// Session is one authenticated, server-selected query connection. A
// session is owned by the routine that opened it and must not be shared;
// the protocol does not tolerate interleaved commands. Close must be
// called on every exit path.
type Session interface {
	ServerInfo(ctx context.Context) (*ServerInfo, error)
	ChannelList(ctx context.Context) ([]Channel, error)
	ClientList(ctx context.Context) ([]Client, error)
	ClientDBIDFromUID(ctx context.Context, uniqueID string) (int, error)
	ServerGroupAddClient(ctx context.Context, groupID, clientDBID int) error
	SendPrivateMessage(ctx context.Context, clientID int, message string) error
	// Dump returns raw reply text per bulk command when capture is
	// enabled on the dialer, nil otherwise.
	Dump() map[string]string
	Close() error
}

// Dialer opens sessions. Open performs connect, login and virtual
// server selection strictly in that order and returns a ready session.
type Dialer interface {
	Open(ctx context.Context, def config.ServerDefinition, creds config.Credentials) (Session, error)
}
