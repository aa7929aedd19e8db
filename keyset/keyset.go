// Package keyset keeps the provider's RSA signing keys in shared storage and
// publishes their public halves as the JWKS document.
//
// The active private key is stored for the token endpoint, which shares the
// storage. After a rotation the old key stays published until tokens it
// signed can no longer be valid.
package keyset

import (
	"context"
	"crypto/rand"
	"crypto/rsa"
	"errors"
	"fmt"
	"time"

	"github.com/sirupsen/logrus"
	"gopkg.in/square/go-jose.v2"

	"github.com/pardot/oidcop/core"
	"github.com/pardot/oidcop/storage"
)

const (
	keyspace  = "keyset"
	recordKey = "current"

	keyBits = 2048
	keyUse  = "sig"
)

// ErrNoKeys is returned when nothing has been rotated in yet.
var ErrNoKeys = errors.New("keyset: no keys in storage")

type retiredKey struct {
	Key          *jose.JSONWebKey `json:"key"`
	PublishUntil time.Time        `json:"publishUntil"`
}

// record is the stored state shared by every server instance.
type record struct {
	Active   *jose.JSONWebKey `json:"active,omitempty"`
	Retired  []retiredKey     `json:"retired,omitempty"`
	RotateAt time.Time        `json:"rotateAt"`
}

// Policy controls how often the active key is replaced, and how long a
// replaced key is still published.
type Policy struct {
	RotateEvery time.Duration
	PublishFor  time.Duration
}

// Rotator replaces the active key when it is due, and serves the published
// keys. Any number of instances can share one storage.
type Rotator struct {
	store  storage.Storage
	policy Policy

	generate   func() (*rsa.PrivateKey, error)
	now        func() time.Time
	checkEvery time.Duration

	logger logrus.FieldLogger
}

func NewRotator(store storage.Storage, policy Policy, logger logrus.FieldLogger) *Rotator {
	return &Rotator{
		store:  store,
		policy: policy,
		generate: func() (*rsa.PrivateKey, error) {
			return rsa.GenerateKey(rand.Reader, keyBits)
		},
		now:        time.Now,
		checkEvery: 30 * time.Second,
		logger:     logger,
	}
}

// Start rotates keys in if needed, then keeps checking in the background until
// ctx is done. It returns once storage has keys, or the first attempt fails.
func (r *Rotator) Start(ctx context.Context) error {
	if _, err := r.rotate(ctx); err != nil {
		return err
	}

	go func() {
		t := time.NewTicker(r.checkEvery)
		defer t.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-t.C:
				if _, err := r.rotate(ctx); err != nil {
					r.logger.WithError(err).Error("key rotation failed")
				}
			}
		}
	}()

	return nil
}

// rotate replaces the active key if there is none, or it is due. rotated is
// false if nothing changed, including when another instance won the write.
func (r *Rotator) rotate(ctx context.Context) (rotated bool, err error) {
	cur := &record{}
	ver, err := r.store.Get(ctx, keyspace, recordKey, cur)
	if err != nil && !storage.IsNotFoundErr(err) {
		return false, fmt.Errorf("reading keys: %w", err)
	}

	now := r.now()
	if cur.Active != nil && now.Before(cur.RotateAt) {
		return false, nil
	}

	priv, err := r.generate()
	if err != nil {
		return false, fmt.Errorf("generating key: %w", err)
	}
	kid, err := core.NewID()
	if err != nil {
		return false, fmt.Errorf("generating key ID: %w", err)
	}

	next := &record{
		Active:   &jose.JSONWebKey{Key: priv, KeyID: kid, Algorithm: string(jose.RS256), Use: keyUse},
		Retired:  publishable(cur.Retired, now),
		RotateAt: now.Add(r.policy.RotateEvery),
	}
	if cur.Active != nil {
		pub, err := publicKey(cur.Active)
		if err != nil {
			return false, err
		}
		next.Retired = append(next.Retired, retiredKey{Key: pub, PublishUntil: now.Add(r.policy.PublishFor)})
	}

	if _, err := r.store.Put(ctx, keyspace, recordKey, ver, next); err != nil {
		if storage.IsConflictErr(err) {
			r.logger.Debug("keys rotated by another instance")
			return false, nil
		}
		return false, fmt.Errorf("storing keys: %w", err)
	}

	r.logger.WithFields(logrus.Fields{
		"kid":       kid,
		"retired":   len(next.Retired),
		"rotate_at": next.RotateAt,
	}).Info("rotated signing key")
	return true, nil
}

// PublicKeys returns the active key and the retired keys still published, with
// no private material.
func (r *Rotator) PublicKeys(ctx context.Context) (*jose.JSONWebKeySet, error) {
	cur := &record{}
	if _, err := r.store.Get(ctx, keyspace, recordKey, cur); err != nil {
		if storage.IsNotFoundErr(err) {
			return nil, ErrNoKeys
		}
		return nil, fmt.Errorf("reading keys: %w", err)
	}
	if cur.Active == nil {
		return nil, ErrNoKeys
	}

	active, err := publicKey(cur.Active)
	if err != nil {
		return nil, err
	}
	set := &jose.JSONWebKeySet{Keys: []jose.JSONWebKey{*active}}
	for _, rk := range publishable(cur.Retired, r.now()) {
		set.Keys = append(set.Keys, *rk.Key)
	}
	return set, nil
}

func publishable(keys []retiredKey, now time.Time) []retiredKey {
	var ret []retiredKey
	for _, k := range keys {
		if now.Before(k.PublishUntil) {
			ret = append(ret, k)
		}
	}
	return ret
}

func publicKey(k *jose.JSONWebKey) (*jose.JSONWebKey, error) {
	priv, ok := k.Key.(*rsa.PrivateKey)
	if !ok {
		return nil, fmt.Errorf("keyset: key %s is %T, not an RSA private key", k.KeyID, k.Key)
	}
	return &jose.JSONWebKey{
		Key:       &priv.PublicKey,
		KeyID:     k.KeyID,
		Algorithm: k.Algorithm,
		Use:       k.Use,
	}, nil
}
