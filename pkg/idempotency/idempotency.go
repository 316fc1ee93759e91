package idempotency

import (
	"net/http"
	"strconv"
	"strings"

	lru "github.com/hashicorp/golang-lru/v2"
)

const (
	Header    = "Idempotency-Key"
	MaxKeyLen = 128
)

func Key(r *http.Request) string {
	return strings.TrimSpace(r.Header.Get(Header))
}

// Valid reports whether a client key is usable; an empty key means "not idempotent".
func Valid(key string) bool {
	return len(key) <= MaxKeyLen
}

// Cache remembers which resource a (scope, key) pair produced. It is only an
// accelerator in front of the durable key table.
type Cache struct {
	entries *lru.Cache[string, int64]
}

func NewCache(size int) (*Cache, error) {
	if size <= 0 {
		size = 1024
	}
	c, err := lru.New[string, int64](size)
	if err != nil {
		return nil, err
	}
	return &Cache{entries: c}, nil
}

func (c *Cache) Get(scope int64, key string) (int64, bool) {
	if c == nil || key == "" {
		return 0, false
	}
	return c.entries.Get(cacheKey(scope, key))
}

func (c *Cache) Put(scope int64, key string, id int64) {
	if c == nil || key == "" {
		return
	}
	c.entries.Add(cacheKey(scope, key), id)
}

func cacheKey(scope int64, key string) string {
	return strconv.FormatInt(scope, 10) + ":" + key
}
