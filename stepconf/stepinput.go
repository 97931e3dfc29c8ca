package stepconf

import "strings"

// InputParser ...
type InputParser interface {
	Parse(input interface{}) error
}

type defaultInputParser struct {
	envGetter EnvGetter
	prefix    string
}

// NewInputParser returns a parser reading the variables from envGetter.
func NewInputParser(envGetter EnvGetter) InputParser {
	return defaultInputParser{envGetter: envGetter}
}

// NewPrefixedInputParser returns a parser that looks up every tagged key
// upper-cased and prefixed, so `env:"chunk_size"` with prefix CHUNKUP_ reads CHUNKUP_CHUNK_SIZE.
func NewPrefixedInputParser(envGetter EnvGetter, prefix string) InputParser {
	return defaultInputParser{envGetter: envGetter, prefix: prefix}
}

// Parse ...
func (p defaultInputParser) Parse(input interface{}) error {
	return parse(input, p)
}

func (p defaultInputParser) Get(key string) string {
	if p.prefix == "" {
		return p.envGetter.Get(key)
	}
	return p.envGetter.Get(p.prefix + strings.ToUpper(key))
}
