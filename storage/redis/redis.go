// Package redis provides a Redis-backed implementation of all storage
// interfaces for multi-instance deployments. Consume-once operations
// run as Lua scripts so the check and the mark are a single atomic
// step on the server.
package redis

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	goredis "github.com/redis/go-redis/v9"

	"github.com/nimbusid/sso/storage"
)

// Script result markers shared by the consume scripts.
const (
	resultNotFound    = "NOT_FOUND"
	resultExpired     = "EXPIRED"
	resultAlreadyUsed = "ALREADY_USED:"
)

// Config holds Redis connection settings.
type Config struct {
	// Addr is the host:port of the Redis server.
	Addr string

	// Password is the optional server password.
	Password string

	// DB selects the logical database.
	DB int

	// KeyPrefix namespaces every key, e.g. "sso:". A trailing colon is
	// appended when missing.
	KeyPrefix string

	// RevokedRetention is how long revoked sessions and refresh tokens
	// are kept after expiry for audit queries. Defaults to 24h.
	RevokedRetention time.Duration
}

// Store is a Redis-backed implementation of every storage interface.
type Store struct {
	client           *goredis.Client
	prefix           string
	revokedRetention time.Duration
	logger           *slog.Logger
}

var _ storage.Store = (*Store)(nil)

// New connects to Redis and verifies the connection.
func New(ctx context.Context, cfg Config, logger *slog.Logger) (*Store, error) {
	if cfg.Addr == "" {
		return nil, fmt.Errorf("redis address is required")
	}
	if logger == nil {
		logger = slog.Default()
	}

	prefix := cfg.KeyPrefix
	if prefix == "" {
		prefix = "sso:"
	}
	if !strings.HasSuffix(prefix, ":") {
		prefix += ":"
	}

	retention := cfg.RevokedRetention
	if retention <= 0 {
		retention = 24 * time.Hour
	}

	client := goredis.NewClient(&goredis.Options{
		Addr:     cfg.Addr,
		Password: cfg.Password,
		DB:       cfg.DB,
	})

	pingCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	if err := client.Ping(pingCtx).Err(); err != nil {
		client.Close()
		return nil, fmt.Errorf("failed to connect to redis: %w", err)
	}

	logger.Info("Connected to Redis storage",
		"address", cfg.Addr,
		"db", cfg.DB,
		"prefix", prefix)

	return &Store{
		client:           client,
		prefix:           prefix,
		revokedRetention: retention,
		logger:           logger,
	}, nil
}

// Close closes the Redis client connection.
func (s *Store) Close() error {
	err := s.client.Close()
	s.logger.Info("Redis storage connection closed")
	return err
}

// SetLogger sets a custom logger.
func (s *Store) SetLogger(logger *slog.Logger) {
	s.logger = logger
}

// ============================================================
// Key Helpers
// ============================================================

// sessionKey: {prefix}session:{tokenHash}
func (s *Store) sessionKey(tokenHash string) string {
	return s.prefix + "session:" + tokenHash
}

// userSessionsKey: {prefix}session:user:{userID} (set of token hashes)
func (s *Store) userSessionsKey(userID string) string {
	return s.prefix + "session:user:" + userID
}

// clientKey: {prefix}client:{clientID}
func (s *Store) clientKey(clientID string) string {
	return s.prefix + "client:" + clientID
}

// clientIndexKey: {prefix}clients (set of client IDs)
func (s *Store) clientIndexKey() string {
	return s.prefix + "clients"
}

// clientIPKey: {prefix}client:ip:{ip} (registration counter)
func (s *Store) clientIPKey(ip string) string {
	return s.prefix + "client:ip:" + ip
}

// codeKey: {prefix}code:{code}
func (s *Store) codeKey(code string) string {
	return s.prefix + "code:" + code
}

// singleUseKey: {prefix}sut:{tokenHash}
func (s *Store) singleUseKey(tokenHash string) string {
	return s.prefix + "sut:" + tokenHash
}

// userSingleUseKey: {prefix}sut:user:{userID} (set of token hashes)
func (s *Store) userSingleUseKey(userID string) string {
	return s.prefix + "sut:user:" + userID
}

// pinKey: {prefix}pin:{userID}
func (s *Store) pinKey(userID string) string {
	return s.prefix + "pin:" + userID
}

// refreshKey: {prefix}refresh:{tokenHash}
func (s *Store) refreshKey(tokenHash string) string {
	return s.prefix + "refresh:" + tokenHash
}

// familyKey: {prefix}family:{familyID} (set of token hashes)
func (s *Store) familyKey(familyID string) string {
	return s.prefix + "family:" + familyID
}

// userClientKey: {prefix}userclient:{userID}:{clientID} (set of token hashes)
func (s *Store) userClientKey(userID, clientID string) string {
	return s.prefix + "userclient:" + userID + ":" + clientID
}

// ============================================================
// Lua Scripts for Atomic Operations
// ============================================================
//
// Every consume-style operation must be atomic so that of N concurrent
// consumers exactly one succeeds. The scripts return the record JSON on
// success, a marker string for the expected failure states, and
// "ALREADY_USED:<json>" so the caller still gets the record for its
// reuse-detection response.

// luaConsumeCode checks an authorization code is unused and marks it
// used, keeping the TTL.
//
// KEYS[1] = code key
// ARGV[1] = current Unix timestamp in seconds
var luaConsumeCode = goredis.NewScript(`
local data = redis.call('GET', KEYS[1])
if not data then
    return 'NOT_FOUND'
end

local code = cjson.decode(data)

local now = tonumber(ARGV[1])
local expiresAt = tonumber(code.expires_at)
if expiresAt and now > expiresAt then
    return 'EXPIRED'
end

if code.used then
    return 'ALREADY_USED:' .. data
end

code.used = true
redis.call('SET', KEYS[1], cjson.encode(code), 'KEEPTTL')

return data
`)

// luaConsumeSingleUse sets used_at on a single-use token iff it is
// unset.
//
// KEYS[1] = single-use token key
// ARGV[1] = current Unix timestamp in seconds
var luaConsumeSingleUse = goredis.NewScript(`
local data = redis.call('GET', KEYS[1])
if not data then
    return 'NOT_FOUND'
end

local tok = cjson.decode(data)

local now = tonumber(ARGV[1])
local expiresAt = tonumber(tok.expires_at)
if expiresAt and now > expiresAt then
    return 'EXPIRED'
end

if tok.used_at and tok.used_at > 0 then
    return 'ALREADY_USED:' .. data
end

tok.used_at = now
redis.call('SET', KEYS[1], cjson.encode(tok), 'KEEPTTL')

return data
`)

// luaConsumeRefresh revokes a live refresh token. The record is kept
// (not deleted) so a replay of the rotated-out token can be recognized
// and traced back to its family.
//
// KEYS[1] = refresh token key
// ARGV[1] = current Unix timestamp in seconds
var luaConsumeRefresh = goredis.NewScript(`
local data = redis.call('GET', KEYS[1])
if not data then
    return 'NOT_FOUND'
end

local tok = cjson.decode(data)

if tok.revoked_at and tok.revoked_at > 0 then
    return 'ALREADY_USED:' .. data
end

local now = tonumber(ARGV[1])
local expiresAt = tonumber(tok.expires_at)
if expiresAt and now > expiresAt then
    return 'EXPIRED'
end

tok.revoked_at = now
redis.call('SET', KEYS[1], cjson.encode(tok), 'KEEPTTL')

return data
`)

// luaRevokeRecord sets revoked_at (and an optional reason) on a record
// iff it is unset. Returns 1 when the record transitioned, 0 otherwise.
//
// KEYS[1] = record key
// ARGV[1] = current Unix timestamp in seconds
// ARGV[2] = revoke reason ("" to skip)
var luaRevokeRecord = goredis.NewScript(`
local data = redis.call('GET', KEYS[1])
if not data then
    return 0
end

local rec = cjson.decode(data)
if rec.revoked_at and rec.revoked_at > 0 then
    return 0
end

rec.revoked_at = tonumber(ARGV[1])
if ARGV[2] ~= '' then
    rec.revoke_reason = ARGV[2]
end
redis.call('SET', KEYS[1], cjson.encode(rec), 'KEEPTTL')

return 1
`)

// luaTouchSession updates last_accessed_at.
//
// KEYS[1] = session key
// ARGV[1] = current Unix timestamp in seconds
var luaTouchSession = goredis.NewScript(`
local data = redis.call('GET', KEYS[1])
if not data then
    return 'NOT_FOUND'
end

local sess = cjson.decode(data)
sess.last_accessed_at = tonumber(ARGV[1])
redis.call('SET', KEYS[1], cjson.encode(sess), 'KEEPTTL')

return 'OK'
`)

// luaDecrementPin decrements attempts_remaining and returns the new
// value. The counter may go negative; the service layer interprets it.
//
// KEYS[1] = pin key
var luaDecrementPin = goredis.NewScript(`
local data = redis.call('GET', KEYS[1])
if not data then
    return 'NOT_FOUND'
end

local pin = cjson.decode(data)
pin.attempts_remaining = pin.attempts_remaining - 1
redis.call('SET', KEYS[1], cjson.encode(pin), 'KEEPTTL')

return tostring(pin.attempts_remaining)
`)

// luaMarkPinUsed sets used_at iff it is unset.
//
// KEYS[1] = pin key
// ARGV[1] = current Unix timestamp in seconds
var luaMarkPinUsed = goredis.NewScript(`
local data = redis.call('GET', KEYS[1])
if not data then
    return 'NOT_FOUND'
end

local pin = cjson.decode(data)
if pin.used_at and pin.used_at > 0 then
    return 'ALREADY_USED'
end

pin.used_at = tonumber(ARGV[1])
redis.call('SET', KEYS[1], cjson.encode(pin), 'KEEPTTL')

return 'OK'
`)

// ============================================================
// JSON Serialization
// ============================================================

type sessionJSON struct {
	ID             string `json:"id"`
	TokenHash      string `json:"token_hash"`
	UserID         string `json:"user_id"`
	Email          string `json:"email"`
	Role           string `json:"role"`
	IP             string `json:"ip,omitempty"`
	UserAgent      string `json:"user_agent,omitempty"`
	CreatedAt      int64  `json:"created_at"`
	ExpiresAt      int64  `json:"expires_at"`
	LastAccessedAt int64  `json:"last_accessed_at,omitempty"`
	RevokedAt      int64  `json:"revoked_at,omitempty"`
	RevokeReason   string `json:"revoke_reason,omitempty"`
}

func toSessionJSON(sess *storage.Session) *sessionJSON {
	return &sessionJSON{
		ID:             sess.ID,
		TokenHash:      sess.TokenHash,
		UserID:         sess.UserID,
		Email:          sess.Email,
		Role:           sess.Role,
		IP:             sess.IP,
		UserAgent:      sess.UserAgent,
		CreatedAt:      unixOrZero(sess.CreatedAt),
		ExpiresAt:      unixOrZero(sess.ExpiresAt),
		LastAccessedAt: unixOrZero(sess.LastAccessedAt),
		RevokedAt:      unixOrZero(sess.RevokedAt),
		RevokeReason:   sess.RevokeReason,
	}
}

func fromSessionJSON(j *sessionJSON) *storage.Session {
	return &storage.Session{
		ID:             j.ID,
		TokenHash:      j.TokenHash,
		UserID:         j.UserID,
		Email:          j.Email,
		Role:           j.Role,
		IP:             j.IP,
		UserAgent:      j.UserAgent,
		CreatedAt:      timeOrZero(j.CreatedAt),
		ExpiresAt:      timeOrZero(j.ExpiresAt),
		LastAccessedAt: timeOrZero(j.LastAccessedAt),
		RevokedAt:      timeOrZero(j.RevokedAt),
		RevokeReason:   j.RevokeReason,
	}
}

type clientJSON struct {
	ClientID         string   `json:"client_id"`
	ClientSecretHash string   `json:"client_secret_hash,omitempty"`
	ClientName       string   `json:"client_name"`
	RedirectURIs     []string `json:"redirect_uris"`
	AllowedScopes    []string `json:"allowed_scopes,omitempty"`
	GrantTypes       []string `json:"grant_types,omitempty"`
	Status           string   `json:"status"`
	CreatedAt        int64    `json:"created_at"`
	UpdatedAt        int64    `json:"updated_at,omitempty"`
}

func toClientJSON(c *storage.Client) *clientJSON {
	return &clientJSON{
		ClientID:         c.ClientID,
		ClientSecretHash: c.ClientSecretHash,
		ClientName:       c.ClientName,
		RedirectURIs:     c.RedirectURIs,
		AllowedScopes:    c.AllowedScopes,
		GrantTypes:       c.GrantTypes,
		Status:           c.Status,
		CreatedAt:        unixOrZero(c.CreatedAt),
		UpdatedAt:        unixOrZero(c.UpdatedAt),
	}
}

func fromClientJSON(j *clientJSON) *storage.Client {
	return &storage.Client{
		ClientID:         j.ClientID,
		ClientSecretHash: j.ClientSecretHash,
		ClientName:       j.ClientName,
		RedirectURIs:     j.RedirectURIs,
		AllowedScopes:    j.AllowedScopes,
		GrantTypes:       j.GrantTypes,
		Status:           j.Status,
		CreatedAt:        timeOrZero(j.CreatedAt),
		UpdatedAt:        timeOrZero(j.UpdatedAt),
	}
}

type authorizationCodeJSON struct {
	Code                string `json:"code"`
	ClientID            string `json:"client_id"`
	UserID              string `json:"user_id"`
	RedirectURI         string `json:"redirect_uri"`
	Scope               string `json:"scope"`
	CodeChallenge       string `json:"code_challenge,omitempty"`
	CodeChallengeMethod string `json:"code_challenge_method,omitempty"`
	CreatedAt           int64  `json:"created_at"`
	ExpiresAt           int64  `json:"expires_at"`
	Used                bool   `json:"used"`
}

func toAuthorizationCodeJSON(code *storage.AuthorizationCode) *authorizationCodeJSON {
	return &authorizationCodeJSON{
		Code:                code.Code,
		ClientID:            code.ClientID,
		UserID:              code.UserID,
		RedirectURI:         code.RedirectURI,
		Scope:               code.Scope,
		CodeChallenge:       code.CodeChallenge,
		CodeChallengeMethod: code.CodeChallengeMethod,
		CreatedAt:           unixOrZero(code.CreatedAt),
		ExpiresAt:           unixOrZero(code.ExpiresAt),
		Used:                code.Used,
	}
}

func fromAuthorizationCodeJSON(j *authorizationCodeJSON) *storage.AuthorizationCode {
	return &storage.AuthorizationCode{
		Code:                j.Code,
		ClientID:            j.ClientID,
		UserID:              j.UserID,
		RedirectURI:         j.RedirectURI,
		Scope:               j.Scope,
		CodeChallenge:       j.CodeChallenge,
		CodeChallengeMethod: j.CodeChallengeMethod,
		CreatedAt:           timeOrZero(j.CreatedAt),
		ExpiresAt:           timeOrZero(j.ExpiresAt),
		Used:                j.Used,
	}
}

type singleUseTokenJSON struct {
	JTI       string `json:"jti"`
	TokenHash string `json:"token_hash"`
	Purpose   string `json:"purpose"`
	UserType  string `json:"user_type"`
	UserID    string `json:"user_id"`
	OrgID     string `json:"org_id,omitempty"`
	Email     string `json:"email,omitempty"`
	CreatedAt int64  `json:"created_at"`
	ExpiresAt int64  `json:"expires_at"`
	UsedAt    int64  `json:"used_at,omitempty"`
}

func toSingleUseTokenJSON(tok *storage.SingleUseToken) *singleUseTokenJSON {
	return &singleUseTokenJSON{
		JTI:       tok.JTI,
		TokenHash: tok.TokenHash,
		Purpose:   tok.Purpose,
		UserType:  tok.UserType,
		UserID:    tok.UserID,
		OrgID:     tok.OrgID,
		Email:     tok.Email,
		CreatedAt: unixOrZero(tok.CreatedAt),
		ExpiresAt: unixOrZero(tok.ExpiresAt),
		UsedAt:    unixOrZero(tok.UsedAt),
	}
}

func fromSingleUseTokenJSON(j *singleUseTokenJSON) *storage.SingleUseToken {
	return &storage.SingleUseToken{
		JTI:       j.JTI,
		TokenHash: j.TokenHash,
		Purpose:   j.Purpose,
		UserType:  j.UserType,
		UserID:    j.UserID,
		OrgID:     j.OrgID,
		Email:     j.Email,
		CreatedAt: timeOrZero(j.CreatedAt),
		ExpiresAt: timeOrZero(j.ExpiresAt),
		UsedAt:    timeOrZero(j.UsedAt),
	}
}

type loginPinJSON struct {
	UserID            string `json:"user_id"`
	PinHash           string `json:"pin_hash"`
	AttemptsRemaining int    `json:"attempts_remaining"`
	CreatedAt         int64  `json:"created_at"`
	ExpiresAt         int64  `json:"expires_at"`
	UsedAt            int64  `json:"used_at,omitempty"`
}

func toLoginPinJSON(pin *storage.LoginPin) *loginPinJSON {
	return &loginPinJSON{
		UserID:            pin.UserID,
		PinHash:           pin.PinHash,
		AttemptsRemaining: pin.AttemptsRemaining,
		CreatedAt:         unixOrZero(pin.CreatedAt),
		ExpiresAt:         unixOrZero(pin.ExpiresAt),
		UsedAt:            unixOrZero(pin.UsedAt),
	}
}

func fromLoginPinJSON(j *loginPinJSON) *storage.LoginPin {
	return &storage.LoginPin{
		UserID:            j.UserID,
		PinHash:           j.PinHash,
		AttemptsRemaining: j.AttemptsRemaining,
		CreatedAt:         timeOrZero(j.CreatedAt),
		ExpiresAt:         timeOrZero(j.ExpiresAt),
		UsedAt:            timeOrZero(j.UsedAt),
	}
}

type refreshTokenJSON struct {
	TokenHash  string `json:"token_hash"`
	UserID     string `json:"user_id"`
	ClientID   string `json:"client_id"`
	FamilyID   string `json:"family_id"`
	Generation int    `json:"generation"`
	Scope      string `json:"scope,omitempty"`
	IssuedAt   int64  `json:"issued_at"`
	ExpiresAt  int64  `json:"expires_at"`
	RevokedAt  int64  `json:"revoked_at,omitempty"`
}

func toRefreshTokenJSON(tok *storage.RefreshToken) *refreshTokenJSON {
	return &refreshTokenJSON{
		TokenHash:  tok.TokenHash,
		UserID:     tok.UserID,
		ClientID:   tok.ClientID,
		FamilyID:   tok.FamilyID,
		Generation: tok.Generation,
		Scope:      tok.Scope,
		IssuedAt:   unixOrZero(tok.IssuedAt),
		ExpiresAt:  unixOrZero(tok.ExpiresAt),
		RevokedAt:  unixOrZero(tok.RevokedAt),
	}
}

func fromRefreshTokenJSON(j *refreshTokenJSON) *storage.RefreshToken {
	return &storage.RefreshToken{
		TokenHash:  j.TokenHash,
		UserID:     j.UserID,
		ClientID:   j.ClientID,
		FamilyID:   j.FamilyID,
		Generation: j.Generation,
		Scope:      j.Scope,
		IssuedAt:   timeOrZero(j.IssuedAt),
		ExpiresAt:  timeOrZero(j.ExpiresAt),
		RevokedAt:  timeOrZero(j.RevokedAt),
	}
}

func unixOrZero(t time.Time) int64 {
	if t.IsZero() {
		return 0
	}
	return t.Unix()
}

func timeOrZero(unix int64) time.Time {
	if unix == 0 {
		return time.Time{}
	}
	return time.Unix(unix, 0)
}

// ttlUntil returns the TTL for a record expiring at the given time,
// padded so consumers can still read just-expired records and report
// ErrExpired instead of ErrNotFound.
func (s *Store) ttlUntil(expiresAt time.Time) time.Duration {
	ttl := time.Until(expiresAt) + s.revokedRetention
	if ttl < time.Second {
		ttl = time.Second
	}
	return ttl
}

// consumeResult maps a Lua consume-script result string to a decoded
// record and one of the storage sentinel errors.
func consumeResult[J any, R any](raw string, decode func(*J) R) (R, error) {
	var zero R

	switch {
	case raw == resultNotFound:
		return zero, storage.ErrNotFound
	case raw == resultExpired:
		return zero, storage.ErrExpired
	case strings.HasPrefix(raw, resultAlreadyUsed):
		var j J
		if err := json.Unmarshal([]byte(strings.TrimPrefix(raw, resultAlreadyUsed)), &j); err != nil {
			return zero, fmt.Errorf("failed to decode reused record: %w", err)
		}
		return decode(&j), storage.ErrAlreadyUsed
	default:
		var j J
		if err := json.Unmarshal([]byte(raw), &j); err != nil {
			return zero, fmt.Errorf("failed to decode record: %w", err)
		}
		return decode(&j), nil
	}
}

// ============================================================
// SessionStore
// ============================================================

func (s *Store) SaveSession(ctx context.Context, session *storage.Session) error {
	if session == nil || session.TokenHash == "" {
		return fmt.Errorf("session token hash cannot be empty")
	}

	data, err := json.Marshal(toSessionJSON(session))
	if err != nil {
		return fmt.Errorf("failed to marshal session: %w", err)
	}

	ttl := s.ttlUntil(session.ExpiresAt)
	pipe := s.client.TxPipeline()
	pipe.Set(ctx, s.sessionKey(session.TokenHash), data, ttl)
	pipe.SAdd(ctx, s.userSessionsKey(session.UserID), session.TokenHash)
	pipe.Expire(ctx, s.userSessionsKey(session.UserID), ttl)
	if _, err := pipe.Exec(ctx); err != nil {
		return fmt.Errorf("failed to save session: %w", err)
	}
	return nil
}

func (s *Store) GetSessionByHash(ctx context.Context, tokenHash string) (*storage.Session, error) {
	data, err := s.client.Get(ctx, s.sessionKey(tokenHash)).Bytes()
	if errors.Is(err, goredis.Nil) {
		return nil, storage.ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get session: %w", err)
	}

	var j sessionJSON
	if err := json.Unmarshal(data, &j); err != nil {
		return nil, fmt.Errorf("failed to unmarshal session: %w", err)
	}
	return fromSessionJSON(&j), nil
}

func (s *Store) TouchSession(ctx context.Context, tokenHash string, at time.Time) error {
	raw, err := luaTouchSession.Run(ctx, s.client, []string{s.sessionKey(tokenHash)}, at.Unix()).Text()
	if err != nil {
		return fmt.Errorf("failed to touch session: %w", err)
	}
	if raw == resultNotFound {
		return storage.ErrNotFound
	}
	return nil
}

func (s *Store) RevokeSession(ctx context.Context, tokenHash, reason string, at time.Time) (bool, error) {
	n, err := luaRevokeRecord.Run(ctx, s.client, []string{s.sessionKey(tokenHash)}, at.Unix(), reason).Int()
	if err != nil {
		return false, fmt.Errorf("failed to revoke session: %w", err)
	}
	return n == 1, nil
}

func (s *Store) RevokeSessionsByUser(ctx context.Context, userID, reason string, at time.Time) (int, error) {
	hashes, err := s.client.SMembers(ctx, s.userSessionsKey(userID)).Result()
	if err != nil {
		return 0, fmt.Errorf("failed to list user sessions: %w", err)
	}

	count := 0
	for _, hash := range hashes {
		revoked, err := s.RevokeSession(ctx, hash, reason, at)
		if err != nil {
			return count, err
		}
		if revoked {
			count++
		}
	}
	return count, nil
}

func (s *Store) ListSessionsByUser(ctx context.Context, userID string) ([]*storage.Session, error) {
	hashes, err := s.client.SMembers(ctx, s.userSessionsKey(userID)).Result()
	if err != nil {
		return nil, fmt.Errorf("failed to list user sessions: %w", err)
	}

	var out []*storage.Session
	for _, hash := range hashes {
		session, err := s.GetSessionByHash(ctx, hash)
		if errors.Is(err, storage.ErrNotFound) {
			// TTL already removed it; drop the stale index entry.
			s.client.SRem(ctx, s.userSessionsKey(userID), hash)
			continue
		}
		if err != nil {
			return nil, err
		}
		out = append(out, session)
	}
	return out, nil
}

func (s *Store) DeleteSessionsBefore(ctx context.Context, cutoff time.Time) (int, error) {
	// Redis TTLs handle bulk expiry; this scan only covers records
	// whose retention padding has not elapsed yet.
	count := 0
	iter := s.client.Scan(ctx, 0, s.prefix+"session:*", 100).Iterator()
	for iter.Next(ctx) {
		key := iter.Val()
		if strings.HasPrefix(key, s.prefix+"session:user:") {
			continue
		}

		data, err := s.client.Get(ctx, key).Bytes()
		if errors.Is(err, goredis.Nil) {
			continue
		}
		if err != nil {
			return count, fmt.Errorf("failed to scan session: %w", err)
		}

		var j sessionJSON
		if err := json.Unmarshal(data, &j); err != nil {
			continue
		}
		sess := fromSessionJSON(&j)
		expiredOut := !sess.ExpiresAt.IsZero() && sess.ExpiresAt.Before(cutoff)
		revokedOut := sess.Revoked() && sess.RevokedAt.Before(cutoff)
		if expiredOut || revokedOut {
			pipe := s.client.TxPipeline()
			pipe.Del(ctx, key)
			pipe.SRem(ctx, s.userSessionsKey(sess.UserID), sess.TokenHash)
			if _, err := pipe.Exec(ctx); err != nil {
				return count, fmt.Errorf("failed to delete session: %w", err)
			}
			count++
		}
	}
	if err := iter.Err(); err != nil {
		return count, fmt.Errorf("session scan failed: %w", err)
	}
	return count, nil
}

// ============================================================
// ClientStore
// ============================================================

func (s *Store) SaveClient(ctx context.Context, client *storage.Client) error {
	if client == nil || client.ClientID == "" {
		return fmt.Errorf("client ID cannot be empty")
	}

	data, err := json.Marshal(toClientJSON(client))
	if err != nil {
		return fmt.Errorf("failed to marshal client: %w", err)
	}

	pipe := s.client.TxPipeline()
	pipe.Set(ctx, s.clientKey(client.ClientID), data, 0)
	pipe.SAdd(ctx, s.clientIndexKey(), client.ClientID)
	if _, err := pipe.Exec(ctx); err != nil {
		return fmt.Errorf("failed to save client: %w", err)
	}
	return nil
}

func (s *Store) GetClient(ctx context.Context, clientID string) (*storage.Client, error) {
	data, err := s.client.Get(ctx, s.clientKey(clientID)).Bytes()
	if errors.Is(err, goredis.Nil) {
		return nil, storage.ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get client: %w", err)
	}

	var j clientJSON
	if err := json.Unmarshal(data, &j); err != nil {
		return nil, fmt.Errorf("failed to unmarshal client: %w", err)
	}
	return fromClientJSON(&j), nil
}

func (s *Store) DeleteClient(ctx context.Context, clientID string) error {
	n, err := s.client.Del(ctx, s.clientKey(clientID)).Result()
	if err != nil {
		return fmt.Errorf("failed to delete client: %w", err)
	}
	if n == 0 {
		return storage.ErrNotFound
	}
	s.client.SRem(ctx, s.clientIndexKey(), clientID)
	return nil
}

func (s *Store) ListClients(ctx context.Context) ([]*storage.Client, error) {
	ids, err := s.client.SMembers(ctx, s.clientIndexKey()).Result()
	if err != nil {
		return nil, fmt.Errorf("failed to list clients: %w", err)
	}

	out := make([]*storage.Client, 0, len(ids))
	for _, id := range ids {
		client, err := s.GetClient(ctx, id)
		if errors.Is(err, storage.ErrNotFound) {
			s.client.SRem(ctx, s.clientIndexKey(), id)
			continue
		}
		if err != nil {
			return nil, err
		}
		out = append(out, client)
	}
	return out, nil
}

func (s *Store) CheckIPLimit(ctx context.Context, ip string, maxClientsPerIP int) error {
	if maxClientsPerIP <= 0 {
		return nil
	}

	count, err := s.client.Get(ctx, s.clientIPKey(ip)).Int()
	if errors.Is(err, goredis.Nil) {
		return nil
	}
	if err != nil {
		return fmt.Errorf("failed to check IP limit: %w", err)
	}
	if count >= maxClientsPerIP {
		return storage.ErrClientLimit
	}
	return nil
}

func (s *Store) TrackClientIP(ctx context.Context, ip string) error {
	// Registration counters roll over daily.
	key := s.clientIPKey(ip)
	pipe := s.client.TxPipeline()
	pipe.Incr(ctx, key)
	pipe.Expire(ctx, key, 24*time.Hour)
	if _, err := pipe.Exec(ctx); err != nil {
		return fmt.Errorf("failed to track client IP: %w", err)
	}
	return nil
}

// ============================================================
// CodeStore
// ============================================================

func (s *Store) SaveAuthorizationCode(ctx context.Context, code *storage.AuthorizationCode) error {
	if code == nil || code.Code == "" {
		return fmt.Errorf("authorization code cannot be empty")
	}

	data, err := json.Marshal(toAuthorizationCodeJSON(code))
	if err != nil {
		return fmt.Errorf("failed to marshal authorization code: %w", err)
	}

	if err := s.client.Set(ctx, s.codeKey(code.Code), data, s.ttlUntil(code.ExpiresAt)).Err(); err != nil {
		return fmt.Errorf("failed to save authorization code: %w", err)
	}
	return nil
}

func (s *Store) ConsumeAuthorizationCode(ctx context.Context, code string, at time.Time) (*storage.AuthorizationCode, error) {
	raw, err := luaConsumeCode.Run(ctx, s.client, []string{s.codeKey(code)}, at.Unix()).Text()
	if err != nil {
		return nil, fmt.Errorf("failed to consume authorization code: %w", err)
	}
	return consumeResult(raw, fromAuthorizationCodeJSON)
}

func (s *Store) DeleteAuthorizationCode(ctx context.Context, code string) error {
	if err := s.client.Del(ctx, s.codeKey(code)).Err(); err != nil {
		return fmt.Errorf("failed to delete authorization code: %w", err)
	}
	return nil
}

// ============================================================
// SingleUseTokenStore
// ============================================================

func (s *Store) SaveSingleUseToken(ctx context.Context, token *storage.SingleUseToken) error {
	if token == nil || token.TokenHash == "" {
		return fmt.Errorf("token hash cannot be empty")
	}

	data, err := json.Marshal(toSingleUseTokenJSON(token))
	if err != nil {
		return fmt.Errorf("failed to marshal single-use token: %w", err)
	}

	ttl := s.ttlUntil(token.ExpiresAt)
	ok, err := s.client.SetNX(ctx, s.singleUseKey(token.TokenHash), data, ttl).Result()
	if err != nil {
		return fmt.Errorf("failed to save single-use token: %w", err)
	}
	if !ok {
		return fmt.Errorf("token hash collision")
	}

	pipe := s.client.TxPipeline()
	pipe.SAdd(ctx, s.userSingleUseKey(token.UserID), token.TokenHash)
	pipe.Expire(ctx, s.userSingleUseKey(token.UserID), ttl)
	if _, err := pipe.Exec(ctx); err != nil {
		return fmt.Errorf("failed to index single-use token: %w", err)
	}
	return nil
}

func (s *Store) ConsumeSingleUseToken(ctx context.Context, tokenHash string, at time.Time) (*storage.SingleUseToken, error) {
	raw, err := luaConsumeSingleUse.Run(ctx, s.client, []string{s.singleUseKey(tokenHash)}, at.Unix()).Text()
	if err != nil {
		return nil, fmt.Errorf("failed to consume single-use token: %w", err)
	}
	return consumeResult(raw, fromSingleUseTokenJSON)
}

func (s *Store) InvalidateSingleUseTokensByUser(ctx context.Context, userID string, at time.Time) (int, error) {
	hashes, err := s.client.SMembers(ctx, s.userSingleUseKey(userID)).Result()
	if err != nil {
		return 0, fmt.Errorf("failed to list user tokens: %w", err)
	}

	count := 0
	for _, hash := range hashes {
		_, err := s.ConsumeSingleUseToken(ctx, hash, at)
		switch {
		case err == nil:
			count++
		case errors.Is(err, storage.ErrNotFound),
			errors.Is(err, storage.ErrAlreadyUsed),
			errors.Is(err, storage.ErrExpired):
			// Already terminal.
		default:
			return count, err
		}
	}
	return count, nil
}

// ============================================================
// PinStore
// ============================================================

func (s *Store) SaveLoginPin(ctx context.Context, pin *storage.LoginPin) error {
	if pin == nil || pin.UserID == "" {
		return fmt.Errorf("pin user ID cannot be empty")
	}

	data, err := json.Marshal(toLoginPinJSON(pin))
	if err != nil {
		return fmt.Errorf("failed to marshal pin: %w", err)
	}

	if err := s.client.Set(ctx, s.pinKey(pin.UserID), data, s.ttlUntil(pin.ExpiresAt)).Err(); err != nil {
		return fmt.Errorf("failed to save pin: %w", err)
	}
	return nil
}

func (s *Store) GetLoginPin(ctx context.Context, userID string) (*storage.LoginPin, error) {
	data, err := s.client.Get(ctx, s.pinKey(userID)).Bytes()
	if errors.Is(err, goredis.Nil) {
		return nil, storage.ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get pin: %w", err)
	}

	var j loginPinJSON
	if err := json.Unmarshal(data, &j); err != nil {
		return nil, fmt.Errorf("failed to unmarshal pin: %w", err)
	}
	return fromLoginPinJSON(&j), nil
}

func (s *Store) DecrementPinAttempts(ctx context.Context, userID string) (int, error) {
	raw, err := luaDecrementPin.Run(ctx, s.client, []string{s.pinKey(userID)}).Text()
	if err != nil {
		return 0, fmt.Errorf("failed to decrement pin attempts: %w", err)
	}
	if raw == resultNotFound {
		return 0, storage.ErrNotFound
	}

	var remaining int
	if _, err := fmt.Sscanf(raw, "%d", &remaining); err != nil {
		return 0, fmt.Errorf("unexpected script result %q: %w", raw, err)
	}
	return remaining, nil
}

func (s *Store) MarkPinUsed(ctx context.Context, userID string, at time.Time) error {
	raw, err := luaMarkPinUsed.Run(ctx, s.client, []string{s.pinKey(userID)}, at.Unix()).Text()
	if err != nil {
		return fmt.Errorf("failed to mark pin used: %w", err)
	}
	switch raw {
	case resultNotFound:
		return storage.ErrNotFound
	case "ALREADY_USED":
		return storage.ErrAlreadyUsed
	}
	return nil
}

func (s *Store) DeleteLoginPin(ctx context.Context, userID string) error {
	if err := s.client.Del(ctx, s.pinKey(userID)).Err(); err != nil {
		return fmt.Errorf("failed to delete pin: %w", err)
	}
	return nil
}

// ============================================================
// RefreshTokenStore
// ============================================================

func (s *Store) SaveRefreshToken(ctx context.Context, token *storage.RefreshToken) error {
	if token == nil || token.TokenHash == "" {
		return fmt.Errorf("refresh token hash cannot be empty")
	}

	data, err := json.Marshal(toRefreshTokenJSON(token))
	if err != nil {
		return fmt.Errorf("failed to marshal refresh token: %w", err)
	}

	ttl := s.ttlUntil(token.ExpiresAt)
	pipe := s.client.TxPipeline()
	pipe.Set(ctx, s.refreshKey(token.TokenHash), data, ttl)
	pipe.SAdd(ctx, s.familyKey(token.FamilyID), token.TokenHash)
	pipe.Expire(ctx, s.familyKey(token.FamilyID), ttl)
	pipe.SAdd(ctx, s.userClientKey(token.UserID, token.ClientID), token.TokenHash)
	pipe.Expire(ctx, s.userClientKey(token.UserID, token.ClientID), ttl)
	if _, err := pipe.Exec(ctx); err != nil {
		return fmt.Errorf("failed to save refresh token: %w", err)
	}
	return nil
}

func (s *Store) GetRefreshToken(ctx context.Context, tokenHash string) (*storage.RefreshToken, error) {
	data, err := s.client.Get(ctx, s.refreshKey(tokenHash)).Bytes()
	if errors.Is(err, goredis.Nil) {
		return nil, storage.ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get refresh token: %w", err)
	}

	var j refreshTokenJSON
	if err := json.Unmarshal(data, &j); err != nil {
		return nil, fmt.Errorf("failed to unmarshal refresh token: %w", err)
	}
	return fromRefreshTokenJSON(&j), nil
}

func (s *Store) ConsumeRefreshToken(ctx context.Context, tokenHash string, at time.Time) (*storage.RefreshToken, error) {
	raw, err := luaConsumeRefresh.Run(ctx, s.client, []string{s.refreshKey(tokenHash)}, at.Unix()).Text()
	if err != nil {
		return nil, fmt.Errorf("failed to consume refresh token: %w", err)
	}
	return consumeResult(raw, fromRefreshTokenJSON)
}

func (s *Store) RevokeRefreshToken(ctx context.Context, tokenHash string, at time.Time) (bool, error) {
	n, err := luaRevokeRecord.Run(ctx, s.client, []string{s.refreshKey(tokenHash)}, at.Unix(), "").Int()
	if err != nil {
		return false, fmt.Errorf("failed to revoke refresh token: %w", err)
	}
	return n == 1, nil
}

func (s *Store) RevokeRefreshTokenFamily(ctx context.Context, familyID string, at time.Time) (int, error) {
	hashes, err := s.client.SMembers(ctx, s.familyKey(familyID)).Result()
	if err != nil {
		return 0, fmt.Errorf("failed to list token family: %w", err)
	}

	count := 0
	for _, hash := range hashes {
		revoked, err := s.RevokeRefreshToken(ctx, hash, at)
		if err != nil {
			return count, err
		}
		if revoked {
			count++
		}
	}
	return count, nil
}

func (s *Store) RevokeRefreshTokensByUserClient(ctx context.Context, userID, clientID string, at time.Time) (int, error) {
	hashes, err := s.client.SMembers(ctx, s.userClientKey(userID, clientID)).Result()
	if err != nil {
		return 0, fmt.Errorf("failed to list user+client tokens: %w", err)
	}

	count := 0
	for _, hash := range hashes {
		revoked, err := s.RevokeRefreshToken(ctx, hash, at)
		if err != nil {
			return count, err
		}
		if revoked {
			count++
		}
	}
	return count, nil
}
