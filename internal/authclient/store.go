package authclient

import (
	"context"
	"errors"
	"os"
	"time"

	"defi-portal/go-client/internal/identity"
)

// sessionStoreScope binds persisted delegations to this store; bump the
// suffix when storedSession changes shape.
const sessionStoreScope = "authclient/delegated-session/v1"

type storedSession struct {
	SessionKey []byte    `json:"session_key"`
	Token      string    `json:"token"`
	UserKey    []byte    `json:"user_key"`
	Expiration time.Time `json:"expiration"`
}

func (c *Client) persist(sessionKey *identity.Ed25519Identity, d identity.Delegation) {
	if !c.cfg.Store.Configured() {
		return
	}
	snap := storedSession{
		SessionKey: sessionKey.ExportPrivateKey(),
		Token:      d.Token,
		UserKey:    d.UserPublicKey,
		Expiration: d.Expiration,
	}
	if err := c.cfg.Store.Save(snap); err != nil {
		c.logger.Warn("auth.persist_failed", "error", err.Error())
	}
}

// Restore reloads a persisted delegated session. It returns (nil, nil) when
// nothing usable is stored; expired sessions are removed.
func (c *Client) Restore(ctx context.Context) (identity.Identity, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	if !c.cfg.Store.Configured() {
		return nil, nil
	}
	c.mu.Lock()
	defer c.mu.Unlock()

	var snap storedSession
	if err := c.cfg.Store.Load(&snap); err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return nil, nil
		}
		return nil, err
	}
	sessionKey, err := identity.NewEd25519Identity(snap.SessionKey)
	if err != nil {
		_ = c.cfg.Store.Remove()
		return nil, nil
	}
	var id *identity.DelegationIdentity
	d, err := verifyDelegation(snap.Token, sessionKey.PublicKeyDER(), "", c.now)
	if err == nil {
		id, err = identity.NewDelegationIdentity(sessionKey, d, c.now())
	}
	if err != nil {
		c.logger.Info("auth.stored_session_discarded", "reason", err.Error())
		_ = c.cfg.Store.Remove()
		return nil, nil
	}
	return id, nil
}

// Logout forgets the persisted session.
func (c *Client) Logout(ctx context.Context) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.cfg.Store.Remove()
}
