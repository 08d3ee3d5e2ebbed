package queue

import "github.com/redis/go-redis/v9"

// Each script runs as one atomic step, whichever process calls it.

// KEYS: members, seq, waiting, records, waiting_events, owners, seen, seen_events
// ARGV: userID, record JSON, eventID, owner, now (unix ms)
var enqueueScript = redis.NewScript(`
if redis.call('HSETNX', KEYS[1], ARGV[1], 'waiting') == 0 then
  return -1
end
local seq = redis.call('INCR', KEYS[2])
redis.call('ZADD', KEYS[3], seq, ARGV[1])
redis.call('HSET', KEYS[4], ARGV[1], ARGV[2])
redis.call('SADD', KEYS[5], ARGV[3])
redis.call('HSET', KEYS[6], ARGV[1], ARGV[4])
redis.call('ZADD', KEYS[7], ARGV[5], ARGV[1])
redis.call('SADD', KEYS[8], ARGV[3])
return seq
`)

// An empty owner matches any entry; otherwise the entry must belong to it,
// so a stale channel cannot remove a newer entry made elsewhere.
// KEYS: members, waiting, records, seen, owners
// ARGV: userID, owner
var removeScript = redis.NewScript(`
local owner = redis.call('HGET', KEYS[5], ARGV[1])
if ARGV[2] ~= '' and owner and owner ~= ARGV[2] then
  return 0
end
if redis.call('HGET', KEYS[1], ARGV[1]) ~= 'waiting' then
  return 0
end
redis.call('ZREM', KEYS[2], ARGV[1])
redis.call('HDEL', KEYS[3], ARGV[1])
redis.call('HDEL', KEYS[1], ARGV[1])
redis.call('HDEL', KEYS[5], ARGV[1])
redis.call('ZREM', KEYS[4], ARGV[1])
return 1
`)

// Compare-and-decrement: grants min(remaining, wanted) and never leaves
// the counter below zero.
// KEYS: entry_slots
// ARGV: eventID, wanted
var reserveScript = redis.NewScript(`
local remaining = tonumber(redis.call('HGET', KEYS[1], ARGV[1]) or '0')
local wanted = tonumber(ARGV[2])
if remaining == nil or remaining <= 0 or wanted <= 0 then
  return 0
end
local granted = math.min(remaining, wanted)
redis.call('HINCRBY', KEYS[1], ARGV[1], -granted)
return granted
`)

// KEYS: members, waiting, records
// ARGV: userID
var admitScript = redis.NewScript(`
if redis.call('HGET', KEYS[1], ARGV[1]) ~= 'waiting' then
  return 0
end
redis.call('HSET', KEYS[1], ARGV[1], 'admitted')
redis.call('ZREM', KEYS[2], ARGV[1])
redis.call('HDEL', KEYS[3], ARGV[1])
return 1
`)

// Returns 1 when an admitted slot went back to the pool, 0 otherwise.
// A completed membership is dropped without returning its slot. The owner
// check is the same as in removeScript.
// KEYS: members, entry_slots, seen, owners
// ARGV: userID, eventID, owner
var releaseScript = redis.NewScript(`
local owner = redis.call('HGET', KEYS[4], ARGV[1])
if ARGV[3] ~= '' and owner and owner ~= ARGV[3] then
  return 0
end
local state = redis.call('HGET', KEYS[1], ARGV[1])
if state == 'admitted' then
  redis.call('HDEL', KEYS[1], ARGV[1])
  redis.call('HDEL', KEYS[4], ARGV[1])
  redis.call('ZREM', KEYS[3], ARGV[1])
  redis.call('HINCRBY', KEYS[2], ARGV[2], 1)
  return 1
end
if state == 'completed' then
  redis.call('HDEL', KEYS[1], ARGV[1])
  redis.call('HDEL', KEYS[4], ARGV[1])
  redis.call('ZREM', KEYS[3], ARGV[1])
end
return 0
`)

// KEYS: members
// ARGV: userID
var completeScript = redis.NewScript(`
if redis.call('HGET', KEYS[1], ARGV[1]) ~= 'admitted' then
  return 0
end
redis.call('HSET', KEYS[1], ARGV[1], 'completed')
return 1
`)

// KEYS: waiting or seen, the matching event set
// ARGV: eventID
var pruneScript = redis.NewScript(`
if redis.call('ZCARD', KEYS[1]) == 0 then
  return redis.call('SREM', KEYS[2], ARGV[1])
end
return 0
`)

// KEYS: members, seen, owners
// ARGV: userID
var forgetScript = redis.NewScript(`
if redis.call('HGET', KEYS[1], ARGV[1]) ~= 'completed' then
  return 0
end
redis.call('HDEL', KEYS[1], ARGV[1])
redis.call('HDEL', KEYS[3], ARGV[1])
redis.call('ZREM', KEYS[2], ARGV[1])
return 1
`)

// Drops every waiting entry of an event. Memberships that are no longer
// waiting keep their slot.
// KEYS: waiting, records, members, owners, seen, waiting_events
// ARGV: eventID
var cleanScript = redis.NewScript(`
local users = redis.call('ZRANGE', KEYS[1], 0, -1)
local removed = 0
for _, user in ipairs(users) do
  if redis.call('HGET', KEYS[3], user) == 'waiting' then
    redis.call('HDEL', KEYS[3], user)
    redis.call('HDEL', KEYS[4], user)
    redis.call('ZREM', KEYS[5], user)
    removed = removed + 1
  end
end
redis.call('DEL', KEYS[1], KEYS[2])
redis.call('SREM', KEYS[6], ARGV[1])
return removed
`)
