package dict

import (
	"context"
	"fmt"
	"os"
	"strconv"
	"strings"

	"github.com/redis/go-redis/v9"
	"go.uber.org/fx"
	"go.uber.org/zap"
)

const DictRedisKey = "labfuzz:dicts:%s" // labfuzz:dicts:<request_name>

type DictGrabber struct {
	logger      *zap.Logger
	redisClient *redis.Client
}

type DictGrabberParams struct {
	fx.In

	Logger      *zap.Logger
	RedisClient *redis.Client `optional:"true"`
}

func NewDictGrabber(params DictGrabberParams) *DictGrabber {
	return &DictGrabber{
		params.Logger,
		params.RedisClient,
	}
}

// GrabDict merges dictionary files for a request.
//
// The file list is the union of the given paths and, when redis is
// configured, the set stored under DictRedisKey for the request. Entries are
// decoded, deduplicated in first-seen order and returned as raw tokens.
func (d *DictGrabber) GrabDict(ctx context.Context, requestName string, paths []string) ([][]byte, error) {
	dictPaths := append([]string{}, paths...)
	if d.redisClient != nil {
		key := fmt.Sprintf(DictRedisKey, requestName)
		remote, err := d.redisClient.SMembers(ctx, key).Result()
		if err != nil {
			d.logger.Warn("failed to get dict set from redis", zap.String("key", key), zap.Error(err))
		} else {
			dictPaths = append(dictPaths, remote...)
		}
	}
	if len(dictPaths) == 0 {
		return nil, nil
	}

	d.logger.Info("loading dicts",
		zap.String("request", requestName),
		zap.Int("numDicts", len(dictPaths)))

	return Load(dictPaths)
}

// Load reads and merges dictionary files.
func Load(paths []string) ([][]byte, error) {
	var mergedLines []string
	for _, path := range paths {
		content, err := os.ReadFile(path)
		if err != nil {
			return nil, fmt.Errorf("failed to read dict file %s: %w", path, err)
		}
		mergedLines = append(mergedLines, strings.Split(string(content), "\n")...)
	}

	lineSet := make(map[string]struct{})
	var tokens [][]byte
	for _, line := range mergedLines {
		line = strings.TrimSpace(line)
		if line == "" || strings.HasPrefix(line, "#") {
			continue
		}
		token, err := ParseEntry(line)
		if err != nil {
			return nil, err
		}
		if _, ok := lineSet[token]; !ok {
			lineSet[token] = struct{}{}
			tokens = append(tokens, []byte(token))
		}
	}
	return tokens, nil
}

// ParseEntry decodes one dictionary line. Both AFL forms `name="value"` and
// `"value"` are accepted, with \xNN, \\ and \" escapes. A bare word is taken
// literally.
func ParseEntry(line string) (string, error) {
	start := strings.IndexByte(line, '"')
	if start < 0 {
		return line, nil
	}
	end := strings.LastIndexByte(line, '"')
	if end <= start {
		return "", fmt.Errorf("unterminated dict entry: %q", line)
	}
	body := line[start+1 : end]

	var sb strings.Builder
	for i := 0; i < len(body); i++ {
		c := body[i]
		if c != '\\' || i+1 >= len(body) {
			sb.WriteByte(c)
			continue
		}
		switch body[i+1] {
		case '\\', '"':
			sb.WriteByte(body[i+1])
			i++
		case 'x':
			if i+4 > len(body) {
				return "", fmt.Errorf("short hex escape in dict entry: %q", line)
			}
			v, err := strconv.ParseUint(body[i+2:i+4], 16, 8)
			if err != nil {
				return "", fmt.Errorf("bad hex escape in dict entry %q: %w", line, err)
			}
			sb.WriteByte(byte(v))
			i += 3
		default:
			sb.WriteByte(c)
		}
	}
	return sb.String(), nil
}
