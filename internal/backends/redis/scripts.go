package redis

import "github.com/redis/go-redis/v9"

// Script replies start with a status code.
const (
	statusOK              = 0
	statusRepoNotFound    = 1
	statusKeyNotFound     = 2
	statusConflict        = 3
	statusVersionNotFound = 4
)

// KEYS: repos set, values hash, versions hash, history hash.
// ARGV: repository name, key, expected version, encoded value.
var putScript = redis.NewScript(`
if redis.call('SISMEMBER', KEYS[1], ARGV[1]) == 0 then
  return {1, 0}
end
local cur = tonumber(redis.call('HGET', KEYS[3], ARGV[2]) or '0')
local exp = tonumber(ARGV[3])
if exp == 0 and cur > 0 then
  return {3, cur}
end
if exp > 0 and cur ~= exp then
  return {3, cur}
end
local nxt = cur + 1
redis.call('HSET', KEYS[2], ARGV[2], ARGV[4])
redis.call('HSET', KEYS[3], ARGV[2], nxt)
redis.call('HSET', KEYS[4], nxt, ARGV[4])
return {0, nxt}
`)

// KEYS: repos set, values hash, versions hash, history hash.
// ARGV: repository name, key.
var removeScript = redis.NewScript(`
if redis.call('SISMEMBER', KEYS[1], ARGV[1]) == 0 then
  return 1
end
if redis.call('HDEL', KEYS[3], ARGV[2]) == 0 then
  return 2
end
redis.call('HDEL', KEYS[2], ARGV[2])
redis.call('DEL', KEYS[4])
return 0
`)

// KEYS: repos set, values hash, versions hash.
// ARGV: repository name, key.
var getScript = redis.NewScript(`
if redis.call('SISMEMBER', KEYS[1], ARGV[1]) == 0 then
  return {1}
end
local ver = redis.call('HGET', KEYS[3], ARGV[2])
if not ver then
  return {2}
end
return {0, tonumber(ver), redis.call('HGET', KEYS[2], ARGV[2])}
`)

// KEYS: repos set, versions hash, history hash.
// ARGV: repository name, key, version.
var getVersionScript = redis.NewScript(`
if redis.call('SISMEMBER', KEYS[1], ARGV[1]) == 0 then
  return {1}
end
if redis.call('HEXISTS', KEYS[2], ARGV[2]) == 0 then
  return {2}
end
local v = redis.call('HGET', KEYS[3], ARGV[3])
if not v then
  return {4}
end
return {0, v}
`)

// KEYS: repos set, versions hash, history hash.
// ARGV: repository name, key.
var historyScript = redis.NewScript(`
if redis.call('SISMEMBER', KEYS[1], ARGV[1]) == 0 then
  return {1}
end
if redis.call('HEXISTS', KEYS[2], ARGV[2]) == 0 then
  return {2}
end
local out = {0}
local all = redis.call('HGETALL', KEYS[3])
for i = 1, #all do
  out[#out + 1] = all[i]
end
return out
`)
