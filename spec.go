package loadingcache

import (
	"fmt"
	"io"
	"strconv"
	"strings"
	"time"

	"github.com/goccy/go-json"
)

// Duration 支持 Go 时长语法和 "d"（天）后缀的时长，JSON 中以字符串表示
type Duration time.Duration

// ParseDuration 解析时长，例如 "10m"、"1h30m"、"2d"
func ParseDuration(s string) (Duration, error) {
	s = strings.TrimSpace(s)
	if days, ok := strings.CutSuffix(s, "d"); ok {
		n, err := strconv.ParseInt(days, 10, 64)
		if err != nil {
			return 0, fmt.Errorf("invalid duration %q: %w", s, err)
		}
		return Duration(time.Duration(n) * 24 * time.Hour), nil
	}
	d, err := time.ParseDuration(s)
	if err != nil {
		return 0, err
	}
	return Duration(d), nil
}

func (d Duration) String() string {
	return time.Duration(d).String()
}

// MarshalJSON 实现 json.Marshaler 接口
func (d Duration) MarshalJSON() ([]byte, error) {
	return json.Marshal(d.String())
}

// UnmarshalJSON 实现 json.Unmarshaler 接口，同时接受字符串和纳秒整数
func (d *Duration) UnmarshalJSON(b []byte) error {
	var s string
	if err := json.Unmarshal(b, &s); err != nil {
		var n int64
		if err := json.Unmarshal(b, &n); err != nil {
			return fmt.Errorf("duration must be a string or integer nanoseconds: %s", b)
		}
		*d = Duration(n)
		return nil
	}
	parsed, err := ParseDuration(s)
	if err != nil {
		return err
	}
	*d = parsed
	return nil
}

// Spec 以字符串或 JSON 描述的缓存配置，未设置的字段为 nil
//
// 弱引用键和弱引用值需要指针类型参数，只能通过 WithWeakKeys、WithWeakValues 配置。
type Spec struct {
	InitialCapacity   *int64    `json:"initialCapacity,omitempty"` // 仅做校验，分段 map 按需增长
	MaximumSize       *int64    `json:"maximumSize,omitempty"`
	MaximumWeight     *int64    `json:"maximumWeight,omitempty"`
	ConcurrencyLevel  *int      `json:"concurrencyLevel,omitempty"`
	ExpireAfterAccess *Duration `json:"expireAfterAccess,omitempty"`
	ExpireAfterWrite  *Duration `json:"expireAfterWrite,omitempty"`
	RefreshAfterWrite *Duration `json:"refreshAfterWrite,omitempty"`
	SoftValues        bool      `json:"softValues,omitempty"`
	RecordStats       bool      `json:"recordStats,omitempty"`
}

// ParseSpec 解析逗号分隔的配置字符串，例如
//
//	maximumSize=3,expireAfterAccess=10m,recordStats
func ParseSpec(s string) (Spec, error) {
	var spec Spec
	if strings.TrimSpace(s) == "" {
		return spec, nil
	}

	for _, part := range strings.Split(s, ",") {
		part = strings.TrimSpace(part)
		if part == "" {
			return Spec{}, configErrorf("spec", "empty setting in %q", s)
		}
		name, value, hasValue := strings.Cut(part, "=")
		name, value = strings.TrimSpace(name), strings.TrimSpace(value)

		var err error
		switch name {
		case "initialCapacity":
			spec.InitialCapacity, err = parseInt64(name, value, hasValue, spec.InitialCapacity)
		case "maximumSize":
			spec.MaximumSize, err = parseInt64(name, value, hasValue, spec.MaximumSize)
		case "maximumWeight":
			spec.MaximumWeight, err = parseInt64(name, value, hasValue, spec.MaximumWeight)
		case "concurrencyLevel":
			var n *int64
			n, err = parseInt64(name, value, hasValue, nil)
			if err == nil {
				if spec.ConcurrencyLevel != nil {
					err = configErrorf(name, "was already set to %d", *spec.ConcurrencyLevel)
				} else {
					level := int(*n)
					spec.ConcurrencyLevel = &level
				}
			}
		case "expireAfterAccess":
			spec.ExpireAfterAccess, err = parseDuration(name, value, hasValue, spec.ExpireAfterAccess)
		case "expireAfterWrite":
			spec.ExpireAfterWrite, err = parseDuration(name, value, hasValue, spec.ExpireAfterWrite)
		case "refreshAfterWrite":
			spec.RefreshAfterWrite, err = parseDuration(name, value, hasValue, spec.RefreshAfterWrite)
		case "softValues":
			err = parseFlag(name, hasValue, &spec.SoftValues)
		case "recordStats":
			err = parseFlag(name, hasValue, &spec.RecordStats)
		case "weakKeys", "weakValues":
			err = configErrorf(name, "requires a pointer type, use the typed option instead")
		default:
			err = configErrorf("spec", "unknown key %q", name)
		}
		if err != nil {
			return Spec{}, err
		}
	}
	return spec, nil
}

func parseInt64(name, value string, hasValue bool, prev *int64) (*int64, error) {
	if !hasValue || value == "" {
		return nil, configErrorf(name, "value is required")
	}
	if prev != nil {
		return nil, configErrorf(name, "was already set to %d", *prev)
	}
	n, err := strconv.ParseInt(value, 10, 64)
	if err != nil {
		return nil, configErrorf(name, "invalid integer %q", value)
	}
	return &n, nil
}

func parseDuration(name, value string, hasValue bool, prev *Duration) (*Duration, error) {
	if !hasValue || value == "" {
		return nil, configErrorf(name, "value is required")
	}
	if prev != nil {
		return nil, configErrorf(name, "was already set to %s", prev)
	}
	d, err := ParseDuration(value)
	if err != nil {
		return nil, configErrorf(name, "invalid duration %q", value)
	}
	return &d, nil
}

func parseFlag(name string, hasValue bool, flag *bool) error {
	if hasValue {
		return configErrorf(name, "does not take a value")
	}
	if *flag {
		return configErrorf(name, "was already set")
	}
	*flag = true
	return nil
}

// LoadSpec 从 JSON 读取配置，未知字段视为错误
func LoadSpec(r io.Reader) (Spec, error) {
	var spec Spec
	dec := json.NewDecoder(r)
	dec.DisallowUnknownFields()
	if err := dec.Decode(&spec); err != nil {
		return Spec{}, configErrorf("spec", "decode: %v", err)
	}
	return spec, nil
}

// String 以 ParseSpec 接受的格式输出配置
func (s Spec) String() string {
	var parts []string
	if s.InitialCapacity != nil {
		parts = append(parts, fmt.Sprintf("initialCapacity=%d", *s.InitialCapacity))
	}
	if s.MaximumSize != nil {
		parts = append(parts, fmt.Sprintf("maximumSize=%d", *s.MaximumSize))
	}
	if s.MaximumWeight != nil {
		parts = append(parts, fmt.Sprintf("maximumWeight=%d", *s.MaximumWeight))
	}
	if s.ConcurrencyLevel != nil {
		parts = append(parts, fmt.Sprintf("concurrencyLevel=%d", *s.ConcurrencyLevel))
	}
	if s.ExpireAfterAccess != nil {
		parts = append(parts, "expireAfterAccess="+s.ExpireAfterAccess.String())
	}
	if s.ExpireAfterWrite != nil {
		parts = append(parts, "expireAfterWrite="+s.ExpireAfterWrite.String())
	}
	if s.RefreshAfterWrite != nil {
		parts = append(parts, "refreshAfterWrite="+s.RefreshAfterWrite.String())
	}
	if s.SoftValues {
		parts = append(parts, "softValues")
	}
	if s.RecordStats {
		parts = append(parts, "recordStats")
	}
	return strings.Join(parts, ",")
}

// SpecOptions 将配置转换为选项；maximumWeight 还需要调用方提供 WithWeigher
func SpecOptions[K comparable, V any](s Spec) []Option[K, V] {
	var opts []Option[K, V]
	if s.InitialCapacity != nil && *s.InitialCapacity < 0 {
		n := *s.InitialCapacity
		opts = append(opts, func(c *config[K, V]) {
			c.fail("initialCapacity", "must not be negative: %d", n)
		})
	}
	if s.MaximumSize != nil {
		opts = append(opts, WithMaximumSize[K, V](*s.MaximumSize))
	}
	if s.MaximumWeight != nil {
		opts = append(opts, WithMaximumWeight[K, V](*s.MaximumWeight))
	}
	if s.ConcurrencyLevel != nil {
		opts = append(opts, WithConcurrencyLevel[K, V](*s.ConcurrencyLevel))
	}
	if s.ExpireAfterAccess != nil {
		opts = append(opts, WithExpireAfterAccess[K, V](time.Duration(*s.ExpireAfterAccess)))
	}
	if s.ExpireAfterWrite != nil {
		opts = append(opts, WithExpireAfterWrite[K, V](time.Duration(*s.ExpireAfterWrite)))
	}
	if s.RefreshAfterWrite != nil {
		opts = append(opts, WithRefreshAfterWrite[K, V](time.Duration(*s.RefreshAfterWrite)))
	}
	if s.SoftValues {
		opts = append(opts, WithSoftValues[K, V]())
	}
	if s.RecordStats {
		opts = append(opts, WithRecordStats[K, V]())
	}
	return opts
}
