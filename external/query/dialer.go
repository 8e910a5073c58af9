// Package query implements the voice-server query port over a TCP
// line protocol: greeting banner, login, virtual server selection, then
// command/reply exchanges terminated by in-band error lines.
package query

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"time"

	"golang.org/x/time/rate"

	"github.com/emberhollow/voicesync/internal/config"
	"github.com/emberhollow/voicesync/internal/query"
)

const (
	protocolBanner = "TS3"

	// Query endpoints flood-ban clients that burst commands; stay well
	// under the default whitelist-free allowance.
	commandInterval = 100 * time.Millisecond
	commandBurst    = 10
)

type Dialer struct {
	timeout time.Duration
	capture bool
}

func NewDialer(cfg *config.Config) query.Dialer {
	return &Dialer{timeout: cfg.QueryTimeout, capture: cfg.CaptureRawDumps}
}

// Open runs the handshake strictly in order: connect, banner, login,
// select virtual server, set nickname. Every step finishes before the
// next starts; on any failure the socket is torn down before the error
// propagates.
func (d *Dialer) Open(ctx context.Context, def config.ServerDefinition, creds config.Credentials) (query.Session, error) {
	if def.VirtualServerID == 0 && def.VoicePort == 0 {
		return nil, fmt.Errorf("%w: server %q", query.ErrRouting, def.ID)
	}

	dialer := net.Dialer{Timeout: d.timeout}
	conn, err := dialer.DialContext(ctx, "tcp", def.QueryAddr())
	if err != nil {
		return nil, fmt.Errorf("%w: dial %s: %v", query.ErrConnection, def.QueryAddr(), err)
	}

	s := &session{
		def:     def,
		conn:    conn,
		reader:  bufio.NewReader(conn),
		limiter: rate.NewLimiter(rate.Every(commandInterval), commandBurst),
		timeout: d.timeout,
	}
	if d.capture {
		s.dump = make(map[string]string)
	}

	if err := d.handshake(ctx, s, def, creds); err != nil {
		_ = s.Close()
		return nil, err
	}
	slog.Debug("query session ready", "server_id", def.ID, "addr", def.QueryAddr())
	return s, nil
}

func (d *Dialer) handshake(ctx context.Context, s *session, def config.ServerDefinition, creds config.Credentials) error {
	if err := s.conn.SetDeadline(time.Now().Add(s.timeout)); err != nil {
		return fmt.Errorf("%w: %v", query.ErrConnection, err)
	}
	banner, err := s.readLine()
	if err != nil {
		return fmt.Errorf("%w: read banner: %v", query.ErrConnection, err)
	}
	if banner != protocolBanner {
		return fmt.Errorf("%w: unexpected banner %q", query.ErrConnection, banner)
	}
	// Greeting line ("Welcome to the ... interface, type help ...").
	if _, err := s.readLine(); err != nil {
		return fmt.Errorf("%w: read greeting: %v", query.ErrConnection, err)
	}

	login := newCommand("login").
		param("client_login_name", creds.Username).
		param("client_login_password", creds.Password).
		secret()
	if _, err := s.exec(ctx, login); err != nil {
		var qe *query.QueryError
		if errors.As(err, &qe) {
			return fmt.Errorf("%w: server %q: fault %d", query.ErrAuth, def.ID, qe.ID)
		}
		return err
	}

	use := newCommand("use")
	if def.VirtualServerID != 0 {
		use.paramInt("sid", def.VirtualServerID)
	} else {
		use.paramInt("port", def.VoicePort)
	}
	if _, err := s.exec(ctx, use.flag("virtual")); err != nil {
		return fmt.Errorf("select virtual server on %q: %w", def.ID, err)
	}

	if def.BotNickname != "" {
		nick := newCommand("clientupdate").param("client_nickname", def.BotNickname)
		if _, err := s.exec(ctx, nick); err != nil {
			slog.Warn("failed to set bot nickname", "server_id", def.ID, "error", err)
		}
	}
	return nil
}
