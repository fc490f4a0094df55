package redisstore

import "github.com/redis/go-redis/v9"

// KEYS: record, expirations
// ARGV: expiresAtMs (0 = never), nowMs, sessionID, field/value pairs...
const createRecordScript = `
if redis.call("EXISTS", KEYS[1]) == 1 then
  return 0
end
redis.call("HSET", KEYS[1], unpack(ARGV, 4))
local at = tonumber(ARGV[1])
if at > 0 then
  local ttl = at - tonumber(ARGV[2])
  if ttl < 1 then
    ttl = 1
  end
  redis.call("PEXPIRE", KEYS[1], ttl)
  redis.call("ZADD", KEYS[2], ARGV[1], ARGV[3])
end
return 1
`

var createRecordLua = redis.NewScript(createRecordScript)

// KEYS: record, expirations, reverse index
// ARGV: sessionID, nowMs, graceMs, metaChanged, nSet, set pairs..., removed fields...
const applyDeltaScript = `
if redis.call("EXISTS", KEYS[1]) == 0 then
  return 0
end
local nset = tonumber(ARGV[5])
if nset > 0 then
  redis.call("HSET", KEYS[1], unpack(ARGV, 6, 5 + nset))
end
if #ARGV > 5 + nset then
  redis.call("HDEL", KEYS[1], unpack(ARGV, 6 + nset, #ARGV))
end
if ARGV[4] == "1" then
  local meta = redis.call("HMGET", KEYS[1], "lastAccessedTime", "maxInactiveInterval")
  local last = tonumber(meta[1]) or 0
  local maxi = tonumber(meta[2]) or 0
  if maxi > 0 then
    local at = last + maxi
    local ttl = at - tonumber(ARGV[2])
    if ttl < 1 then
      ttl = 1
    end
    redis.call("PEXPIRE", KEYS[1], ttl)
    redis.call("ZADD", KEYS[2], at, ARGV[1])
    if redis.call("EXISTS", KEYS[3]) == 1 then
      redis.call("PEXPIRE", KEYS[3], ttl + tonumber(ARGV[3]))
    end
  else
    redis.call("PERSIST", KEYS[1])
    redis.call("ZREM", KEYS[2], ARGV[1])
    redis.call("PERSIST", KEYS[3])
  end
end
return 1
`

var applyDeltaLua = redis.NewScript(applyDeltaScript)

// KEYS: index set, reverse index, record
// ARGV: sessionID, index name, index value, graceMs, index key prefix
const addIndexScript = `
local previous = redis.call("HGET", KEYS[2], ARGV[2])
if previous and previous ~= ARGV[3] then
  redis.call("SREM", ARGV[5] .. ARGV[2] .. ":" .. previous, ARGV[1])
end
redis.call("SADD", KEYS[1], ARGV[1])
redis.call("HSET", KEYS[2], ARGV[2], ARGV[3])
local ttl = redis.call("PTTL", KEYS[3])
if ttl > 0 then
  redis.call("PEXPIRE", KEYS[2], ttl + tonumber(ARGV[4]))
else
  redis.call("PERSIST", KEYS[2])
end
return 1
`

var addIndexLua = redis.NewScript(addIndexScript)

// KEYS: index set, reverse index
// ARGV: sessionID, index name, index value
const removeIndexScript = `
redis.call("SREM", KEYS[1], ARGV[1])
if redis.call("HGET", KEYS[2], ARGV[2]) == ARGV[3] then
  redis.call("HDEL", KEYS[2], ARGV[2])
end
return 1
`

var removeIndexLua = redis.NewScript(removeIndexScript)

// KEYS: reverse index
// ARGV: sessionID, index key prefix
const removeAllIndexesScript = `
local entries = redis.call("HGETALL", KEYS[1])
for i = 1, #entries, 2 do
  redis.call("SREM", ARGV[2] .. entries[i] .. ":" .. entries[i + 1], ARGV[1])
end
redis.call("DEL", KEYS[1])
return #entries / 2
`

var removeAllIndexesLua = redis.NewScript(removeAllIndexesScript)
