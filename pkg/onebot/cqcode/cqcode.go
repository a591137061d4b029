// Copyright 2024-2026 Aiku AI

// Package cqcode converts OneBot CQ-code strings to and from segment codes.
//
// A CQ-code message interleaves plain text with codes of the form
// [CQ:type,key=value,...]. Plain text escapes & [ ] as &amp; &#91; &#93;;
// parameter values additionally escape the comma as &#44;.
package cqcode

import (
	"regexp"
	"sort"
	"strings"
)

// TypeText is the pseudo code type used for plain text runs.
const TypeText = "text"

// Code is one parsed element. Plain text runs use TypeText with the
// unescaped text under Params["text"].
type Code struct {
	Type   string
	Params map[string]string
}

var codeRe = regexp.MustCompile(`\[CQ:([a-zA-Z0-9_.\-]+)((?:,[^,\]]*)*)\]`)

var (
	textUnescaper  = strings.NewReplacer("&#91;", "[", "&#93;", "]", "&amp;", "&")
	paramUnescaper = strings.NewReplacer("&#91;", "[", "&#93;", "]", "&#44;", ",", "&amp;", "&")
	textEscaper    = strings.NewReplacer("&", "&amp;", "[", "&#91;", "]", "&#93;")
	paramEscaper   = strings.NewReplacer("&", "&amp;", "[", "&#91;", "]", "&#93;", ",", "&#44;")
)

// Parse splits a CQ-code string into codes in order. Empty text runs are omitted.
func Parse(msg string) []Code {
	if msg == "" {
		return nil
	}
	var out []Code
	last := 0
	for _, loc := range codeRe.FindAllStringSubmatchIndex(msg, -1) {
		if loc[0] > last {
			out = append(out, textCode(msg[last:loc[0]]))
		}
		code := Code{Type: msg[loc[2]:loc[3]], Params: map[string]string{}}
		if loc[4] >= 0 && loc[5] > loc[4] {
			for _, kv := range strings.Split(msg[loc[4]+1:loc[5]], ",") {
				key, value, found := strings.Cut(kv, "=")
				if !found || key == "" {
					continue
				}
				code.Params[key] = paramUnescaper.Replace(value)
			}
		}
		out = append(out, code)
		last = loc[1]
	}
	if last < len(msg) {
		out = append(out, textCode(msg[last:]))
	}
	return out
}

func textCode(raw string) Code {
	return Code{Type: TypeText, Params: map[string]string{"text": textUnescaper.Replace(raw)}}
}

// EscapeText escapes plain text for embedding in a CQ-code string.
func EscapeText(s string) string {
	return textEscaper.Replace(s)
}

// EscapeParam escapes a parameter value.
func EscapeParam(s string) string {
	return paramEscaper.Replace(s)
}

// Format renders codes back into a CQ-code string. Parameters are written in
// key order so output is deterministic.
func Format(codes []Code) string {
	var sb strings.Builder
	for _, c := range codes {
		if c.Type == TypeText {
			sb.WriteString(EscapeText(c.Params["text"]))
			continue
		}
		sb.WriteString("[CQ:")
		sb.WriteString(c.Type)
		keys := make([]string, 0, len(c.Params))
		for k := range c.Params {
			keys = append(keys, k)
		}
		sort.Strings(keys)
		for _, k := range keys {
			sb.WriteByte(',')
			sb.WriteString(k)
			sb.WriteByte('=')
			sb.WriteString(EscapeParam(c.Params[k]))
		}
		sb.WriteByte(']')
	}
	return sb.String()
}
