package grant

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/bvandersloot-mozilla/top-level-storage-access/site"
)

// ErrStoreUnavailable wraps Redis transport failures. Callers treat it as
// fatal to the single operation; no partial record is ever left behind.
var ErrStoreUnavailable = errors.New("permission store unavailable")

// ErrPolicyNotFound is returned when the IDP origin has no stored policy.
var ErrPolicyNotFound = errors.New("allowance policy not found")

// ErrGrantNotFound is returned when no grant exists for the pair.
var ErrGrantNotFound = errors.New("grant not found")

// ErrPolicyChanged is returned by the versioned grant commit when the
// policy was overwritten between evaluation and commit.
var ErrPolicyChanged = errors.New("allowance policy changed")

const casRetries = 4

const createGrantScript = `
if redis.call("EXISTS", KEYS[1]) == 1 then
  return 0
end
redis.call("SET", KEYS[1], ARGV[1])
redis.call("SADD", KEYS[2], ARGV[2])
redis.call("SADD", KEYS[3], ARGV[2])
return 1
`

var createGrantLua = redis.NewScript(createGrantScript)

const deleteGrantScript = `
local existed = redis.call("DEL", KEYS[1])
redis.call("SREM", KEYS[2], ARGV[1])
redis.call("SREM", KEYS[3], ARGV[1])
return existed
`

var deleteGrantLua = redis.NewScript(deleteGrantScript)

// Store is the Redis-backed permission store. It holds at most one
// AllowancePolicy per IDP origin and at most one Grant per
// (rp_site, idp_origin) pair, with per-origin index sets so an external
// site-data clear can find every record an origin participates in.
//
// All mutations are atomic with respect to concurrent readers: policies
// are single-key overwrites, grant creation and deletion run as Lua
// scripts, and the versioned commit path uses WATCH on the policy key.
type Store struct {
	redis  redis.UniversalClient
	prefix string
}

// NewStore creates a permission [Store] backed by the given Redis client.
// prefix sets the Redis key namespace.
func NewStore(redisClient redis.UniversalClient, prefix string) *Store {
	if prefix == "" {
		prefix = "tsa"
	}
	return &Store{
		redis:  redisClient,
		prefix: prefix,
	}
}

func (s *Store) policyKey(idp site.Origin) string {
	return s.prefix + ":p:" + idp.String()
}

func (s *Store) grantKey(member string) string {
	return s.prefix + ":g:" + member
}

func (s *Store) indexKey(owner string) string {
	return s.prefix + ":i:" + owner
}

func grantMember(rp site.Site, idp site.Origin) string {
	return rp.String() + "|" + idp.String()
}

func splitGrantMember(member string) (site.Site, site.Origin, error) {
	parts := strings.SplitN(member, "|", 2)
	if len(parts) != 2 {
		return site.Site{}, site.Origin{}, ErrRecordCorrupt
	}
	rp, err := site.Parse(parts[0])
	if err != nil {
		return site.Site{}, site.Origin{}, err
	}
	idp, err := site.ParseOrigin(parts[1])
	if err != nil {
		return site.Site{}, site.Origin{}, err
	}
	return rp, idp, nil
}

// SavePolicy overwrites the AllowancePolicy for idp, assigning a fresh
// version and updated-at stamp. Last write wins; there is no merging.
func (s *Store) SavePolicy(ctx context.Context, idp site.Origin, p Policy, version string) (Policy, error) {
	p.Version = version
	p.UpdatedAt = time.Now().Unix()

	encoded, err := encodePolicy(&p)
	if err != nil {
		return Policy{}, err
	}

	if err := s.redis.Set(ctx, s.policyKey(idp), encoded, 0).Err(); err != nil {
		return Policy{}, fmt.Errorf("%w: %v", ErrStoreUnavailable, err)
	}
	return p, nil
}

// GetPolicy returns the current AllowancePolicy for idp.
func (s *Store) GetPolicy(ctx context.Context, idp site.Origin) (*Policy, error) {
	data, err := s.redis.Get(ctx, s.policyKey(idp)).Bytes()
	if err != nil {
		if errors.Is(err, redis.Nil) {
			return nil, ErrPolicyNotFound
		}
		return nil, fmt.Errorf("%w: %v", ErrStoreUnavailable, err)
	}
	return decodePolicy(data)
}

// GetGrant returns the grant for (rp, idp) if one exists.
func (s *Store) GetGrant(ctx context.Context, rp site.Site, idp site.Origin) (*Grant, error) {
	data, err := s.redis.Get(ctx, s.grantKey(grantMember(rp, idp))).Bytes()
	if err != nil {
		if errors.Is(err, redis.Nil) {
			return nil, ErrGrantNotFound
		}
		return nil, fmt.Errorf("%w: %v", ErrStoreUnavailable, err)
	}
	return decodeGrant(data)
}

// CreateGrant writes g if no grant exists for its pair, maintaining the
// per-owner index sets in the same atomic script. Returns whether a new
// record was created; an existing grant is left untouched.
func (s *Store) CreateGrant(ctx context.Context, g *Grant) (bool, error) {
	encoded, err := encodeGrant(g)
	if err != nil {
		return false, err
	}

	member := grantMember(g.RPSite, g.IDPOrigin)
	keys := []string{
		s.grantKey(member),
		s.indexKey(g.RPSite.String()),
		s.indexKey(g.IDPOrigin.String()),
	}

	created, err := createGrantLua.Run(ctx, s.redis, keys, encoded, member).Int64()
	if err != nil {
		return false, fmt.Errorf("%w: %v", ErrStoreUnavailable, err)
	}
	return created == 1, nil
}

// CreateGrantIfPolicyVersion commits g only while the IDP's policy still
// carries expectedVersion, re-reading it under WATCH so a concurrent
// Permit overwrite aborts the commit. A changed or missing policy yields
// ErrPolicyChanged and the caller re-evaluates against the current policy.
func (s *Store) CreateGrantIfPolicyVersion(ctx context.Context, g *Grant, expectedVersion string) (bool, error) {
	encoded, err := encodeGrant(g)
	if err != nil {
		return false, err
	}

	member := grantMember(g.RPSite, g.IDPOrigin)
	policyKey := s.policyKey(g.IDPOrigin)
	grantKey := s.grantKey(member)
	rpIndex := s.indexKey(g.RPSite.String())
	idpIndex := s.indexKey(g.IDPOrigin.String())

	for i := 0; i < casRetries; i++ {
		var created bool

		err := s.redis.Watch(ctx, func(tx *redis.Tx) error {
			data, err := tx.Get(ctx, policyKey).Bytes()
			if err != nil {
				if errors.Is(err, redis.Nil) {
					return ErrPolicyChanged
				}
				return err
			}
			current, err := decodePolicy(data)
			if err != nil {
				return err
			}
			if current.Version != expectedVersion {
				return ErrPolicyChanged
			}

			var setCmd *redis.BoolCmd
			_, err = tx.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
				setCmd = pipe.SetNX(ctx, grantKey, encoded, 0)
				pipe.SAdd(ctx, rpIndex, member)
				pipe.SAdd(ctx, idpIndex, member)
				return nil
			})
			if err != nil {
				return err
			}

			created = setCmd.Val()
			return nil
		}, policyKey)

		if err == redis.TxFailedErr {
			continue
		}
		if err != nil {
			switch {
			case errors.Is(err, ErrPolicyChanged), errors.Is(err, ErrRecordCorrupt):
				return false, err
			default:
				return false, fmt.Errorf("%w: %v", ErrStoreUnavailable, err)
			}
		}
		return created, nil
	}

	return false, ErrPolicyChanged
}

// DeleteGrant removes the grant for (rp, idp) and its index entries.
// Returns whether a record existed.
func (s *Store) DeleteGrant(ctx context.Context, rp site.Site, idp site.Origin) (bool, error) {
	member := grantMember(rp, idp)
	keys := []string{
		s.grantKey(member),
		s.indexKey(rp.String()),
		s.indexKey(idp.String()),
	}

	existed, err := deleteGrantLua.Run(ctx, s.redis, keys, member).Int64()
	if err != nil {
		return false, fmt.Errorf("%w: %v", ErrStoreUnavailable, err)
	}
	return existed == 1, nil
}

// ClearOriginData implements the external site-data-clear hook: it deletes
// the origin's AllowancePolicy and every grant the origin participates in,
// whether as IDP (exact origin) or as RP (site of the origin). Returns the
// pairs whose grants were removed so the caller can emit change events.
func (s *Store) ClearOriginData(ctx context.Context, origin site.Origin) ([]Pair, error) {
	idpIndex := s.indexKey(origin.String())
	rpIndex := s.indexKey(origin.Site().String())

	members := make(map[string]struct{})
	for _, indexKey := range []string{idpIndex, rpIndex} {
		found, err := s.redis.SMembers(ctx, indexKey).Result()
		if err != nil && !errors.Is(err, redis.Nil) {
			return nil, fmt.Errorf("%w: %v", ErrStoreUnavailable, err)
		}
		for _, m := range found {
			members[m] = struct{}{}
		}
	}

	pairs := make([]Pair, 0, len(members))
	for member := range members {
		rp, idp, err := splitGrantMember(member)
		if err != nil {
			// Unparseable index member: drop the entry and move on.
			_ = s.redis.SRem(ctx, idpIndex, member).Err()
			_ = s.redis.SRem(ctx, rpIndex, member).Err()
			continue
		}
		existed, err := s.DeleteGrant(ctx, rp, idp)
		if err != nil {
			return pairs, err
		}
		if existed {
			pairs = append(pairs, Pair{RPSite: rp, IDPOrigin: idp})
		}
	}

	if err := s.redis.Del(ctx, s.policyKey(origin)).Err(); err != nil && !errors.Is(err, redis.Nil) {
		return pairs, fmt.Errorf("%w: %v", ErrStoreUnavailable, err)
	}

	return pairs, nil
}

// Ping returns a point-in-time Redis availability check and latency.
func (s *Store) Ping(ctx context.Context) (time.Duration, error) {
	start := time.Now()
	if err := s.redis.Ping(ctx).Err(); err != nil {
		return time.Since(start), fmt.Errorf("%w: %v", ErrStoreUnavailable, err)
	}
	return time.Since(start), nil
}
