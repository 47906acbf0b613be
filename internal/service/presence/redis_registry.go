package presence

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"strings"
	"time"

	"github.com/go-redis/redis/v8"
)

const (
	userKeyPrefix          = "chat:presence:user:"
	endpointKeyPrefix      = "chat:presence:endpoint:"
	nodeAliveKeyPrefix     = "chat:presence:node:"
	nodeEndpointsKeyPrefix = "chat:presence:node-endpoints:"
	nodesKey               = "chat:presence:nodes"

	DefaultNodeTTL = 30 * time.Second
)

// reapLua drops endpoints of nodes whose alive key has lapsed from a user
// set. Endpoint ids are "<node>.<suffix>"; ids without a node never lapse.
// The owner key and the node's endpoint set are left for the claiming node,
// which still has to disconnect them. ARGV[3] alive prefix.
const reapLua = `
local function reap(userKey)
	for _, ep in ipairs(redis.call('SMEMBERS', userKey)) do
		local node = string.match(ep, '^([^.]+)%.')
		if node and redis.call('EXISTS', ARGV[3] .. node) == 0 then
			redis.call('SREM', userKey, ep)
		end
	end
end
`

// KEYS[1] user set, KEYS[2] endpoint owner, KEYS[3] known nodes; ARGV[1]
// user, ARGV[2] endpoint, ARGV[6] node ("" when the endpoint carries none),
// ARGV[7] node ttl seconds.
// Returns -1 if owned by someone else, 1 on the first endpoint, else 0.
var registerScript = redis.NewScript(reapLua + `
local owner = redis.call('GET', KEYS[2])
if owner and owner ~= ARGV[1] then
	return -1
end
if ARGV[6] ~= '' then
	redis.call('SET', ARGV[3] .. ARGV[6], '1', 'EX', ARGV[7])
	redis.call('SADD', KEYS[3], ARGV[6])
	redis.call('SADD', ARGV[5] .. ARGV[6], ARGV[2])
end
reap(KEYS[1])
redis.call('SET', KEYS[2], ARGV[1])
local added = redis.call('SADD', KEYS[1], ARGV[2])
if added == 1 and redis.call('SCARD', KEYS[1]) == 1 then
	return 1
end
return 0
`)

// KEYS[1] endpoint owner, KEYS[2] user set; ARGV[1] user, ARGV[2] endpoint,
// ARGV[5] node endpoints prefix, ARGV[6] node. Returns -1 if the owner
// changed, 1 when no live endpoint is left, else 0. An endpoint already
// reaped from the user set still reports 1 so its owner goes offline.
var unregisterScript = redis.NewScript(reapLua + `
local owner = redis.call('GET', KEYS[1])
if owner ~= ARGV[1] then
	return -1
end
redis.call('DEL', KEYS[1])
redis.call('SREM', KEYS[2], ARGV[2])
if ARGV[6] ~= '' then
	redis.call('SREM', ARGV[5] .. ARGV[6], ARGV[2])
end
reap(KEYS[2])
if redis.call('SCARD', KEYS[2]) == 0 then
	return 1
end
return 0
`)

// KEYS[1] user set. Returns the live members after reaping.
var liveScript = redis.NewScript(reapLua + `
reap(KEYS[1])
return redis.call('SMEMBERS', KEYS[1])
`)

// KEYS[1] known nodes; ARGV[1] alive prefix, ARGV[2] node endpoints prefix.
// Removes every lapsed node from the known set and returns the endpoints it
// left behind. Only one caller can claim a given node.
var claimScript = redis.NewScript(`
local stale = {}
for _, node in ipairs(redis.call('SMEMBERS', KEYS[1])) do
	if redis.call('EXISTS', ARGV[1] .. node) == 0 then
		redis.call('SREM', KEYS[1], node)
		local setKey = ARGV[2] .. node
		for _, ep in ipairs(redis.call('SMEMBERS', setKey)) do
			table.insert(stale, ep)
		end
		redis.call('DEL', setKey)
	end
end
return stale
`)

// RedisRegistry shares endpoint state across nodes. Counts and membership
// change inside Lua scripts so each transition is observed exactly once.
//
// Every node keeps an alive key fresh through Heartbeat. Once it lapses the
// node's endpoints stop counting toward their users and are removed the next
// time a script touches those users.
type RedisRegistry struct {
	client  *redis.Client
	nodeTTL time.Duration
}

// NewRedisRegistry binds the registry to client. A node whose alive key is
// older than nodeTTL is treated as gone.
func NewRedisRegistry(client *redis.Client, nodeTTL time.Duration) *RedisRegistry {
	if nodeTTL < time.Second {
		nodeTTL = DefaultNodeTTL
	}
	return &RedisRegistry{client: client, nodeTTL: nodeTTL}
}

func userKey(userID string) string {
	return userKeyPrefix + userID
}

func endpointKey(endpointID string) string {
	return endpointKeyPrefix + endpointID
}

func nodeAliveKey(nodeID string) string {
	return nodeAliveKeyPrefix + nodeID
}

func nodeOfEndpoint(endpointID string) string {
	node, _, ok := strings.Cut(endpointID, ".")
	if !ok {
		return ""
	}
	return node
}

// scriptArgs builds the ARGV list shared by every reaping script.
func (r *RedisRegistry) scriptArgs(userID, endpointID string) []interface{} {
	return []interface{}{
		userID,
		endpointID,
		nodeAliveKeyPrefix,
		endpointKeyPrefix,
		nodeEndpointsKeyPrefix,
		nodeOfEndpoint(endpointID),
		int64(r.nodeTTL / time.Second),
	}
}

func (r *RedisRegistry) Register(ctx context.Context, userID, endpointID string) (bool, error) {
	res, err := registerScript.Run(ctx, r.client,
		[]string{userKey(userID), endpointKey(endpointID), nodesKey},
		r.scriptArgs(userID, endpointID)...).Int()
	if err != nil {
		return false, fmt.Errorf("register endpoint: %w", err)
	}
	if res < 0 {
		return false, ErrEndpointOwned
	}
	return res == 1, nil
}

func (r *RedisRegistry) Unregister(ctx context.Context, endpointID string) (string, bool, error) {
	userID, err := r.client.Get(ctx, endpointKey(endpointID)).Result()
	if errors.Is(err, redis.Nil) {
		return "", false, nil
	}
	if err != nil {
		return "", false, fmt.Errorf("lookup endpoint owner: %w", err)
	}

	res, err := unregisterScript.Run(ctx, r.client,
		[]string{endpointKey(endpointID), userKey(userID)},
		r.scriptArgs(userID, endpointID)...).Int()
	if err != nil {
		return "", false, fmt.Errorf("unregister endpoint: %w", err)
	}
	if res < 0 {
		// raced with another unregister of the same endpoint
		return "", false, nil
	}
	return userID, res == 1, nil
}

func (r *RedisRegistry) live(ctx context.Context, userID string) ([]string, error) {
	return liveScript.Run(ctx, r.client, []string{userKey(userID)},
		r.scriptArgs(userID, "")...).StringSlice()
}

func (r *RedisRegistry) EndpointsFor(ctx context.Context, userID string) ([]string, error) {
	ids, err := r.live(ctx, userID)
	if err != nil {
		return nil, fmt.Errorf("list endpoints: %w", err)
	}
	sort.Strings(ids)
	return ids, nil
}

func (r *RedisRegistry) Count(ctx context.Context, userID string) (int, error) {
	ids, err := r.live(ctx, userID)
	if err != nil {
		return 0, fmt.Errorf("count endpoints: %w", err)
	}
	return len(ids), nil
}

// Heartbeat marks nodeID alive for another TTL and records it as known so a
// surviving node can claim its endpoints once it stops beating.
func (r *RedisRegistry) Heartbeat(ctx context.Context, nodeID string) error {
	_, err := r.client.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
		pipe.Set(ctx, nodeAliveKey(nodeID), "1", r.nodeTTL)
		pipe.SAdd(ctx, nodesKey, nodeID)
		return nil
	})
	if err != nil {
		return fmt.Errorf("node heartbeat: %w", err)
	}
	return nil
}

// ClaimStaleEndpoints returns the endpoints left behind by nodes whose alive
// key has lapsed. Each lapsed node is claimed by exactly one caller.
func (r *RedisRegistry) ClaimStaleEndpoints(ctx context.Context) ([]string, error) {
	ids, err := claimScript.Run(ctx, r.client, []string{nodesKey},
		nodeAliveKeyPrefix, nodeEndpointsKeyPrefix).StringSlice()
	if err != nil {
		return nil, fmt.Errorf("claim stale endpoints: %w", err)
	}
	sort.Strings(ids)
	return ids, nil
}
