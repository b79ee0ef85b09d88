package redis

import "github.com/redis/go-redis/v9"

// unindex removes an envelope from every index it is currently part of and
// returns its previous status and owner.
const luaUnindex = `
local function unindex(p, key, id)
	local old = redis.call('HMGET', key, 'status', 'owner')
	if old[1] then redis.call('SREM', p .. ':status:' .. old[1], id) end
	if old[2] then redis.call('SREM', p .. ':owner:' .. old[2], id) end
	redis.call('ZREM', p .. ':scheduled', id)
	redis.call('ZREM', p .. ':handled', id)
	return old
end
`

// KEYS[1] envelope key
// ARGV prefix, id, blob, status, owner, schedule score or empty
var persistScript = redis.NewScript(luaUnindex + `
local p, id = ARGV[1], ARGV[2]
unindex(p, KEYS[1], id)
redis.call('DEL', KEYS[1])
redis.call('HSET', KEYS[1], 'envelope', ARGV[3], 'status', ARGV[4], 'owner', ARGV[5])
redis.call('SADD', p .. ':status:' .. ARGV[4], id)
redis.call('SADD', p .. ':owner:' .. ARGV[5], id)
redis.call('SADD', p .. ':owners', ARGV[5])
if ARGV[6] ~= '' then
	redis.call('ZADD', p .. ':scheduled', ARGV[6], id)
end
return 1
`)

// KEYS[1] envelope key
// ARGV prefix, id, handled-at millis, handled status
var markHandledScript = redis.NewScript(luaUnindex + `
local p, id = ARGV[1], ARGV[2]
if redis.call('EXISTS', KEYS[1]) == 0 then
	return 0
end
local old = unindex(p, KEYS[1], id)
redis.call('HSET', KEYS[1], 'status', ARGV[4], 'handled_at', ARGV[3])
redis.call('SADD', p .. ':status:' .. ARGV[4], id)
if old[2] then
	redis.call('SADD', p .. ':owner:' .. old[2], id)
end
redis.call('ZADD', p .. ':handled', ARGV[3], id)
return 1
`)

// KEYS[1] envelope key
// ARGV prefix, id, dead letter record or empty
var deleteScript = redis.NewScript(luaUnindex + `
local p, id = ARGV[1], ARGV[2]
unindex(p, KEYS[1], id)
local n = redis.call('DEL', KEYS[1])
if ARGV[3] ~= '' then
	redis.call('RPUSH', p .. ':dead', ARGV[3])
end
return n
`)

// KEYS envelope keys
// ARGV prefix, node, any node, handled status, ids aligned with KEYS
var claimScript = redis.NewScript(`
local p, node, any, handled = ARGV[1], ARGV[2], ARGV[3], ARGV[4]
local claimed = {}
for i, key in ipairs(KEYS) do
	local state = redis.call('HMGET', key, 'status', 'owner')
	if state[1] and state[1] ~= handled and state[2] == any then
		local id = ARGV[4 + i]
		redis.call('HSET', key, 'owner', node)
		redis.call('SREM', p .. ':owner:' .. any, id)
		redis.call('SADD', p .. ':owner:' .. node, id)
		redis.call('SADD', p .. ':owners', node)
		table.insert(claimed, i)
	end
end
return claimed
`)

// KEYS[1] owner set of the node, KEYS[2] owner set of any node, KEYS[3] heartbeats
// ARGV prefix, any node, handled status, node
var releaseScript = redis.NewScript(`
local p, any, handled = ARGV[1], ARGV[2], ARGV[3]
redis.call('ZREM', KEYS[3], ARGV[4])
local n = 0
for _, id in ipairs(redis.call('SMEMBERS', KEYS[1])) do
	local key = p .. ':env:' .. id
	local status = redis.call('HGET', key, 'status')
	if not status then
		redis.call('SREM', KEYS[1], id)
	elseif status ~= handled then
		redis.call('HSET', key, 'owner', any)
		redis.call('SREM', KEYS[1], id)
		redis.call('SADD', KEYS[2], id)
		n = n + 1
	end
end
return n
`)

// KEYS[1] handled sorted set
// ARGV prefix, cutoff millis (exclusive)
var deleteHandledScript = redis.NewScript(luaUnindex + `
local p = ARGV[1]
local ids = redis.call('ZRANGEBYSCORE', KEYS[1], '-inf', '(' .. ARGV[2])
for _, id in ipairs(ids) do
	local key = p .. ':env:' .. id
	unindex(p, key, id)
	redis.call('DEL', key)
end
return #ids
`)

// KEYS[1] owners set, KEYS[2] heartbeats sorted set
// ARGV prefix, cutoff millis (exclusive), any node, handled status
var staleOwnersScript = redis.NewScript(`
local p, cutoff, any, handled = ARGV[1], tonumber(ARGV[2]), ARGV[3], ARGV[4]
local stale = {}
for _, node in ipairs(redis.call('SMEMBERS', KEYS[1])) do
	local active = false
	if node ~= any then
		for _, id in ipairs(redis.call('SMEMBERS', p .. ':owner:' .. node)) do
			local status = redis.call('HGET', p .. ':env:' .. id, 'status')
			if status and status ~= handled then
				active = true
				break
			end
		end
	end
	if not active then
		redis.call('SREM', KEYS[1], node)
	else
		local seen = redis.call('ZSCORE', KEYS[2], node)
		if not seen or tonumber(seen) < cutoff then
			table.insert(stale, node)
		end
	end
end
return stale
`)
