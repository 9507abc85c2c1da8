package iscsi

import (
	"fmt"
	"strconv"
	"strings"
)

// textParams is an ordered key=value list as carried in Login/Text PDU
// data segments (RFC 3720 §5.1): NUL-separated "key=value" pairs.
type textParams struct {
	keys   []string
	values map[string]string
}

func newTextParams() *textParams {
	return &textParams{values: make(map[string]string)}
}

func (p *textParams) set(key, value string) {
	if _, ok := p.values[key]; !ok {
		p.keys = append(p.keys, key)
	}
	p.values[key] = value
}

func (p *textParams) get(key string) (string, bool) {
	v, ok := p.values[key]
	return v, ok
}

func (p *textParams) getBool(key string, def bool) bool {
	v, ok := p.get(key)
	if !ok {
		return def
	}
	return v == "Yes"
}

func (p *textParams) getInt(key string, def int) int {
	v, ok := p.get(key)
	if !ok {
		return def
	}
	n, err := strconv.Atoi(v)
	if err != nil {
		return def
	}
	return n
}

func boolText(b bool) string {
	if b {
		return "Yes"
	}
	return "No"
}

// encode serializes the params in insertion order, NUL-terminating every
// pair as the RFC requires.
func (p *textParams) encode() []byte {
	var b strings.Builder
	for _, k := range p.keys {
		b.WriteString(k)
		b.WriteByte('=')
		b.WriteString(p.values[k])
		b.WriteByte(0)
	}
	return []byte(b.String())
}

// parseTextParams splits a login/text data segment into key=value pairs.
// Keys the target sends more than once (e.g. a renegotiated parameter)
// overwrite the earlier value, matching how a real initiator folds a
// Continue-reassembled segment back into one parameter set.
func parseTextParams(data []byte) (*textParams, error) {
	p := newTextParams()
	for _, pair := range strings.Split(strings.TrimRight(string(data), "\x00"), "\x00") {
		if pair == "" {
			continue
		}
		i := strings.IndexByte(pair, '=')
		if i < 0 {
			return nil, fmt.Errorf("iscsi: text: malformed key=value pair %q", pair)
		}
		p.set(pair[:i], pair[i+1:])
	}
	return p, nil
}
