package hotcache

import "github.com/redis/go-redis/v9"

// incrementScript 原子递增未读数
//
// KEYS[1] 计数 Hash, KEYS[2] seen ZSet
// ARGV[1] 事件时间戳, ARGV[2] TTL（毫秒）, ARGV[3] 去重窗口大小
//
// 规则：
//   - ts <= floor_ts 忽略（早于最近一次已读或已滑出去重窗口）
//   - ts 已在 seen 中忽略（重放）
//   - 否则 count+1，last_ts 取最大值，ts 记入 seen
//
// seen 超出窗口时淘汰最旧的时间戳，并把 floor_ts 抬到被淘汰的最大值。
// 乱序跨度超过窗口的旧时间戳因此会被拒绝：严格递减到达 N > window 个时间戳只计 window+1。
// TTL 只在 Key 创建时设置，递增不续期，冷启动后的错误计数最多存活一个 TTL。
// 返回 1 表示生效，0 表示被忽略。
var incrementScript = redis.NewScript(`
local ts = tonumber(ARGV[1])
local floor = tonumber(redis.call('HGET', KEYS[1], 'floor_ts')) or 0
if ts <= floor then
  return 0
end
if redis.call('ZADD', KEYS[2], 'NX', ARGV[1], ARGV[1]) == 0 then
  return 0
end
redis.call('HINCRBY', KEYS[1], 'count', '1')
local last = tonumber(redis.call('HGET', KEYS[1], 'last_ts')) or 0
if ts > last then
  redis.call('HSET', KEYS[1], 'last_ts', ARGV[1])
end
local window = tonumber(ARGV[3])
local size = redis.call('ZCARD', KEYS[2])
if size > window then
  local stop = size - window - 1
  local evicted = redis.call('ZRANGE', KEYS[2], 0, stop)
  redis.call('HSET', KEYS[1], 'floor_ts', evicted[#evicted])
  redis.call('ZREMRANGEBYRANK', KEYS[2], 0, stop)
end
if redis.call('PTTL', KEYS[1]) < 0 then
  redis.call('PEXPIRE', KEYS[1], ARGV[2])
end
redis.call('PEXPIRE', KEYS[2], redis.call('PTTL', KEYS[1]))
return 1
`)

// resetScript 未读数重置为给定值（普通已读为 0）
//
// KEYS[1] 计数 Hash, KEYS[2] seen ZSet
// ARGV[1] 已读时间戳（可为 0）, ARGV[2] TTL（毫秒）, ARGV[3] 重置后的未读数
//
// floor_ts 取 max(floor_ts, last_ts, ARGV[1])，之后到达的旧时间戳不再计入。
// 重置是与账本对齐的时刻，会刷新 TTL。
var resetScript = redis.NewScript(`
local floor = redis.call('HGET', KEYS[1], 'floor_ts') or '0'
local last = redis.call('HGET', KEYS[1], 'last_ts') or '0'
if tonumber(last) > tonumber(floor) then
  floor = last
end
if tonumber(ARGV[1]) > tonumber(floor) then
  floor = ARGV[1]
end
redis.call('HSET', KEYS[1], 'count', ARGV[3], 'floor_ts', floor)
redis.call('DEL', KEYS[2])
redis.call('PEXPIRE', KEYS[1], ARGV[2])
return 1
`)

// fillScript 回源后回写未读数，计数已存在时不覆盖
//
// KEYS[1] 计数 Hash
// ARGV[1] 账本计算出的未读数, ARGV[2] 账本读取时刻（毫秒）, ARGV[3] TTL（毫秒）
//
// floor_ts 抬到读取时刻，账本已计入的消息之后再到达的递增事件不会重复计数。
// 返回 1 表示写入，0 表示已有计数（期间有并发递增或清零）。
var fillScript = redis.NewScript(`
if redis.call('HEXISTS', KEYS[1], 'count') == 1 then
  return 0
end
redis.call('HSET', KEYS[1], 'count', ARGV[1])
local floor = tonumber(redis.call('HGET', KEYS[1], 'floor_ts')) or 0
if tonumber(ARGV[2]) > floor then
  redis.call('HSET', KEYS[1], 'floor_ts', ARGV[2])
end
redis.call('PEXPIRE', KEYS[1], ARGV[3])
return 1
`)

// previewFillScript 回源后回写会话预览
//
// KEYS[1] 预览 Hash
// ARGV[1] 消息时间戳, ARGV[2] 文本, ARGV[3] 消息 ID, ARGV[4] 空会话标记（"1" / "0"）, ARGV[5] TTL（毫秒）
//
// 空会话标记只在 Key 不存在时写入；真实预览只覆盖空会话标记或时间戳更早的预览。
// 账本读取期间到达的实时更新不会被旧结果覆盖。返回 1 表示写入，0 表示保留现有值。
var previewFillScript = redis.NewScript(`
if redis.call('EXISTS', KEYS[1]) == 1 then
  if ARGV[4] == '1' then
    return 0
  end
  if redis.call('HGET', KEYS[1], 'empty') ~= '1' then
    local cur = tonumber(redis.call('HGET', KEYS[1], 'ts')) or 0
    if cur >= tonumber(ARGV[1]) then
      return 0
    end
  end
end
redis.call('HSET', KEYS[1], 'text', ARGV[2], 'ts', ARGV[1], 'msg_id', ARGV[3], 'empty', ARGV[4])
redis.call('PEXPIRE', KEYS[1], ARGV[5])
return 1
`)

var allScripts = []*redis.Script{incrementScript, resetScript, fillScript, previewFillScript}
