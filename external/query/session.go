package query

import (
	"bufio"
	"context"
	"fmt"
	"log/slog"
	"net"
	"strings"
	"sync"
	"time"

	"golang.org/x/time/rate"

	"github.com/emberhollow/voicesync/internal/config"
	"github.com/emberhollow/voicesync/internal/query"
)

// session is one live query connection. Commands run strictly one at a
// time; the protocol pairs each command with exactly one reply and does
// not tolerate interleaving.
type session struct {
	def     config.ServerDefinition
	conn    net.Conn
	reader  *bufio.Reader
	limiter *rate.Limiter
	timeout time.Duration
	dump    map[string]string // nil unless raw capture is on

	mu     sync.Mutex
	closed bool
}

// exec sends one command and reads its reply up to the terminating
// error line. The per-call deadline covers the whole round trip; the
// context can only tighten it.
func (s *session) exec(ctx context.Context, cmd *command) ([]record, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return nil, fmt.Errorf("%w: session closed", query.ErrConnection)
	}

	if err := s.limiter.Wait(ctx); err != nil {
		return nil, err
	}

	deadline := time.Now().Add(s.timeout)
	if d, ok := ctx.Deadline(); ok && d.Before(deadline) {
		deadline = d
	}
	if err := s.conn.SetDeadline(deadline); err != nil {
		return nil, fmt.Errorf("%w: %v", query.ErrConnection, err)
	}

	if _, err := s.conn.Write([]byte(cmd.String() + "\n")); err != nil {
		return nil, fmt.Errorf("%w: write %s: %v", query.ErrConnection, cmd.name, err)
	}

	var body []string
	for {
		line, err := s.readLine()
		if err != nil {
			return nil, fmt.Errorf("%w: read %s reply: %v", query.ErrConnection, cmd.name, err)
		}
		if line == "" {
			continue
		}
		// Unsolicited server events; this client never registers for
		// notifications but tolerates them anyway.
		if strings.HasPrefix(line, "notify") {
			continue
		}
		id, msg, isTerminator := parseErrorLine(line)
		if !isTerminator {
			body = append(body, line)
			continue
		}
		if s.dump != nil && !cmd.sensitive {
			s.dump[cmd.name] = strings.Join(append(append([]string{}, body...), line), "\n")
		}
		if id != 0 {
			return nil, &query.QueryError{ID: id, Msg: msg}
		}
		return parseRecords(body), nil
	}
}

// readLine strips the protocol's \n\r line ending.
func (s *session) readLine() (string, error) {
	line, err := s.reader.ReadString('\n')
	if err != nil {
		return "", err
	}
	return strings.Trim(line, "\r\n"), nil
}

func (s *session) ServerInfo(ctx context.Context) (*query.ServerInfo, error) {
	records, err := s.exec(ctx, newCommand("serverinfo"))
	if err != nil {
		return nil, err
	}
	if len(records) == 0 {
		return nil, fmt.Errorf("%w: empty serverinfo reply", query.ErrConnection)
	}
	rec := records[0]
	return &query.ServerInfo{
		Name:          rec.str("virtualserver_name"),
		Platform:      rec.str("virtualserver_platform"),
		Version:       rec.str("virtualserver_version"),
		MaxClients:    rec.int("virtualserver_maxclients"),
		ClientsOnline: rec.int("virtualserver_clientsonline"),
		UptimeSeconds: rec.int("virtualserver_uptime"),
	}, nil
}

func (s *session) ChannelList(ctx context.Context) ([]query.Channel, error) {
	records, err := s.exec(ctx, newCommand("channellist").flag("voice"))
	if err != nil {
		return nil, err
	}
	out := make([]query.Channel, 0, len(records))
	for _, rec := range records {
		out = append(out, query.Channel{
			ID:              rec.int("cid"),
			ParentID:        rec.int("pid"),
			Order:           rec.int("channel_order"),
			Name:            rec.str("channel_name"),
			TotalClients:    rec.int("total_clients"),
			NeededTalkPower: rec.int("channel_needed_talk_power"),
		})
	}
	return out, nil
}

func (s *session) ClientList(ctx context.Context) ([]query.Client, error) {
	cmd := newCommand("clientlist").flag("uid").flag("away").flag("voice").flag("groups")
	records, err := s.exec(ctx, cmd)
	if err != nil {
		return nil, err
	}
	out := make([]query.Client, 0, len(records))
	for _, rec := range records {
		out = append(out, query.Client{
			ID:           rec.int("clid"),
			DatabaseID:   rec.int("client_database_id"),
			UniqueID:     rec.str("client_unique_identifier"),
			Nickname:     rec.str("client_nickname"),
			ChannelID:    rec.int("cid"),
			Type:         rec.int("client_type"),
			ServerGroups: rec.intList("client_servergroups"),
			Away:         rec.bool("client_away"),
			InputMuted:   rec.bool("client_input_muted"),
			OutputMuted:  rec.bool("client_output_muted"),
		})
	}
	return out, nil
}

func (s *session) ClientDBIDFromUID(ctx context.Context, uniqueID string) (int, error) {
	records, err := s.exec(ctx, newCommand("clientgetdbidfromuid").param("cluid", uniqueID))
	if err != nil {
		return 0, err
	}
	if len(records) == 0 {
		return 0, fmt.Errorf("%w: empty clientgetdbidfromuid reply", query.ErrConnection)
	}
	return records[0].int("cldbid"), nil
}

func (s *session) ServerGroupAddClient(ctx context.Context, groupID, clientDBID int) error {
	cmd := newCommand("servergroupaddclient").paramInt("sgid", groupID).paramInt("cldbid", clientDBID)
	_, err := s.exec(ctx, cmd)
	return err
}

func (s *session) SendPrivateMessage(ctx context.Context, clientID int, message string) error {
	cmd := newCommand("sendtextmessage").
		paramInt("targetmode", 1).
		paramInt("target", clientID).
		param("msg", message)
	_, err := s.exec(ctx, cmd)
	return err
}

func (s *session) Dump() map[string]string {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.dump == nil {
		return nil
	}
	out := make(map[string]string, len(s.dump))
	for k, v := range s.dump {
		out[k] = v
	}
	return out
}

// Close logs out and drops the connection. Teardown failures are
// logged, never returned; by the time Close runs the caller already has
// its result.
func (s *session) Close() error {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return nil
	}
	s.closed = true
	s.mu.Unlock()

	_ = s.conn.SetDeadline(time.Now().Add(2 * time.Second))
	if _, err := s.conn.Write([]byte("quit\n")); err != nil {
		slog.Debug("query quit failed", "server_id", s.def.ID, "error", err)
	}
	if err := s.conn.Close(); err != nil {
		slog.Debug("query connection close failed", "server_id", s.def.ID, "error", err)
	}
	return nil
}
