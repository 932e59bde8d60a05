// Package wa backs the session.Client capability set with WhatsApp via
// whatsmeow. Verification works through link-by-number pairing: RequestCode
// issues a pairing code the operator confirms on the phone, VerifyCode checks
// the code was the one issued and that the device finished linking.
package wa

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/rs/zerolog"
	"github.com/skip2/go-qrcode"
	"go.mau.fi/whatsmeow"
	"go.mau.fi/whatsmeow/store/sqlstore"
	"go.mau.fi/whatsmeow/types"
	"go.mau.fi/whatsmeow/types/events"
	waLog "go.mau.fi/whatsmeow/util/log"

	"tgauto/internal/session"
)

type Client struct {
	container *sqlstore.Container
	log       zerolog.Logger
	clientLog waLog.Logger

	mu        sync.Mutex
	clients   map[string]*whatsmeow.Client // keyed by phone number
	pairing   map[string]bool              // Connect() issued for this phone
	codes     map[string]string            // issued pairing code per phone
	loggedOut map[string]bool
}

// NewClient opens the whatsmeow device store on the same sqlite DSN the engine
// uses and returns a driver ready to pair accounts.
func NewClient(ctx context.Context, dsn string, log zerolog.Logger) (*Client, error) {
	log = log.With().Str("component", "wa").Logger()
	wlog := waLog.Zerolog(log)
	container, err := sqlstore.New(ctx, "sqlite3", dsn, wlog)
	if err != nil {
		return nil, err
	}
	return &Client{
		container: container,
		log:       log,
		clientLog: wlog,
		clients:   make(map[string]*whatsmeow.Client),
		pairing:   make(map[string]bool),
		codes:     make(map[string]string),
		loggedOut: make(map[string]bool),
	}, nil
}

func (c *Client) ensureClient(phone string) *whatsmeow.Client {
	c.mu.Lock()
	defer c.mu.Unlock()
	if cli, ok := c.clients[phone]; ok {
		return cli
	}
	device := c.container.NewDevice()
	cli := whatsmeow.NewClient(device, c.clientLog)
	cli.AddEventHandler(func(evt interface{}) {
		switch evt.(type) {
		case *events.LoggedOut, *events.StreamReplaced:
			c.mu.Lock()
			c.loggedOut[phone] = true
			c.mu.Unlock()
			c.log.Warn().Str("phone", phone).Msg("session invalidated by platform")
		}
	})
	c.clients[phone] = cli
	return cli
}

// connectOnce starts the pairing websocket for the phone exactly once; racing
// Connect calls during pairing break the link flow.
func (c *Client) connectOnce(phone string, cli *whatsmeow.Client) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.pairing[phone] {
		return
	}
	c.pairing[phone] = true
	go func() {
		if err := cli.Connect(); err != nil {
			c.log.Error().Err(err).Str("phone", phone).Msg("pairing connect failed")
		}
	}()
}

// RequestCode starts link-by-number pairing and remembers the issued code.
func (c *Client) RequestCode(ctx context.Context, phone string) error {
	cli := c.ensureClient(phone)
	if cli.Store.ID != nil {
		// Already linked; re-issuing is a no-op so verify can proceed.
		return nil
	}
	c.connectOnce(phone, cli)

	// Give the socket a moment before PairPhone; the initial QR event doubles
	// as the readiness signal.
	qrChan, _ := cli.GetQRChannel(context.Background())
	select {
	case <-qrChan:
	case <-time.After(1 * time.Second):
	case <-ctx.Done():
		return ctx.Err()
	}

	code, err := cli.PairPhone(ctx, strings.TrimPrefix(phone, "+"), false, whatsmeow.PairClientChrome, "Chrome (Linux)")
	if err != nil {
		return fmt.Errorf("pair phone: %w", err)
	}
	c.mu.Lock()
	c.codes[phone] = code
	c.mu.Unlock()
	c.log.Info().Str("phone", phone).Int("code_len", len(code)).Msg("pairing code issued")
	return nil
}

// VerifyCode checks the operator entered the issued pairing code and that the
// device completed linking, then returns the device JID as the credential.
func (c *Client) VerifyCode(ctx context.Context, phone, code string) (string, error) {
	c.mu.Lock()
	issued, ok := c.codes[phone]
	c.mu.Unlock()
	if !ok || !strings.EqualFold(normalizeCode(code), normalizeCode(issued)) {
		return "", session.ErrInvalidCode
	}
	cli := c.ensureClient(phone)
	if cli.Store.ID == nil {
		// Code matches but the phone never confirmed the link.
		return "", session.ErrInvalidCode
	}
	c.mu.Lock()
	delete(c.codes, phone)
	c.loggedOut[phone] = false
	c.mu.Unlock()
	return cli.Store.ID.String(), nil
}

// PairQR returns a pairing QR code PNG as an alternative to link-by-number.
func (c *Client) PairQR(ctx context.Context, phone string) ([]byte, error) {
	cli := c.ensureClient(phone)
	if cli.Store.ID != nil {
		return nil, fmt.Errorf("already paired")
	}
	c.connectOnce(phone, cli)
	qrChan, _ := cli.GetQRChannel(context.Background())
	for {
		select {
		case item, ok := <-qrChan:
			if !ok {
				return nil, fmt.Errorf("qr channel closed")
			}
			if item.Event == "code" && item.Code != "" {
				return qrcode.Encode(item.Code, qrcode.Medium, 256)
			}
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}
}

func (c *Client) clientForCredential(credential string) (*whatsmeow.Client, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	for phone, cli := range c.clients {
		if cli.Store != nil && cli.Store.ID != nil && cli.Store.ID.String() == credential {
			if c.loggedOut[phone] {
				return nil, session.ErrSessionInvalid
			}
			return cli, nil
		}
	}
	return nil, session.ErrSessionInvalid
}

func (c *Client) connected(cli *whatsmeow.Client) error {
	if cli.IsConnected() {
		return nil
	}
	if err := cli.Connect(); err != nil {
		return mapSessionErr(err)
	}
	// Let the socket settle before group queries.
	time.Sleep(2 * time.Second)
	return nil
}

// ListMembers resolves the group (JID or invite link) and returns its
// participants in listing order.
func (c *Client) ListMembers(ctx context.Context, group, credential string) ([]session.Member, error) {
	cli, err := c.clientForCredential(credential)
	if err != nil {
		return nil, err
	}
	if err := c.connected(cli); err != nil {
		return nil, err
	}
	info, err := c.resolveGroup(ctx, cli, group)
	if err != nil {
		return nil, err
	}
	members := make([]session.Member, 0, len(info.Participants))
	for _, p := range info.Participants {
		members = append(members, session.Member{ID: p.JID.String(), Username: p.JID.User})
	}
	return members, nil
}

// AddMember adds one participant to the target group, mapping the platform's
// per-participant status codes onto the session error taxonomy.
func (c *Client) AddMember(ctx context.Context, group string, member session.Member, credential string) error {
	cli, err := c.clientForCredential(credential)
	if err != nil {
		return err
	}
	if err := c.connected(cli); err != nil {
		return err
	}
	info, err := c.resolveGroup(ctx, cli, group)
	if err != nil {
		return err
	}
	jid, err := types.ParseJID(member.ID)
	if err != nil {
		return fmt.Errorf("parse member JID: %w", err)
	}
	results, err := cli.UpdateGroupParticipants(ctx, info.JID, []types.JID{jid}, whatsmeow.ParticipantChangeAdd)
	if err != nil {
		return mapSessionErr(err)
	}
	for _, res := range results {
		switch res.Error {
		case 0:
			continue
		case 403:
			return session.ErrPrivacyRestricted
		case 409:
			return session.ErrAlreadyMember
		case 429:
			return session.ErrRateLimited
		default:
			return fmt.Errorf("add rejected with status %d", res.Error)
		}
	}
	return nil
}

// resolveGroup accepts a group JID string or an invite link and returns the
// group info including participants.
func (c *Client) resolveGroup(ctx context.Context, cli *whatsmeow.Client, group string) (*types.GroupInfo, error) {
	if code, ok := inviteCode(group); ok {
		info, err := cli.GetGroupInfoFromLink(ctx, code)
		if err != nil {
			return nil, fmt.Errorf("%w: %v", session.ErrGroupUnavailable, err)
		}
		return info, nil
	}
	jid, err := types.ParseJID(group)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", session.ErrGroupUnavailable, err)
	}
	info, err := cli.GetGroupInfo(ctx, jid)
	if err != nil {
		if fatal := mapSessionErr(err); errors.Is(fatal, session.ErrSessionInvalid) {
			return nil, fatal
		}
		return nil, fmt.Errorf("%w: %v", session.ErrGroupUnavailable, err)
	}
	return info, nil
}

func inviteCode(group string) (string, bool) {
	const marker = "chat.whatsapp.com/"
	idx := strings.Index(group, marker)
	if idx < 0 {
		return "", false
	}
	code := group[idx+len(marker):]
	code = strings.TrimSuffix(code, "/")
	return code, code != ""
}

func mapSessionErr(err error) error {
	if errors.Is(err, whatsmeow.ErrNotLoggedIn) {
		return session.ErrSessionInvalid
	}
	return err
}

func normalizeCode(code string) string {
	return strings.ReplaceAll(strings.TrimSpace(code), "-", "")
}
