// Copyright 2018 Johan Lindh. All rights reserved.
// Use of this source code is governed by the MIT license, see the LICENSE file.

package msgtun

import "strings"

// ServiceURL is a URL split around its endpoint key.
//
// For "https://host/~abc/new/resource" with separator "~" the key is "abc",
// the base URL "https://host/~abc/" and the path "new/resource".
type ServiceURL struct {
	URL     string
	Key     string
	BaseURL string
	Path    string
}

// SplitServiceURL splits rawURL at the first occurrence of sep. An empty
// sep means DefaultServiceSeparator. If there is no key, only URL is set
// (and BaseURL, if sep was found).
func SplitServiceURL(rawURL, sep string) (su ServiceURL) {
	if sep == "" {
		sep = DefaultServiceSeparator
	}
	su.URL = rawURL
	idx := strings.Index(rawURL, sep)
	if idx < 0 {
		return
	}
	su.BaseURL = rawURL[:idx+len(sep)]
	rest := rawURL[idx+len(sep):]
	keyLen := strings.IndexByte(rest, '/')
	if keyLen < 0 {
		keyLen = len(rest)
	}
	if keyLen == 0 {
		return
	}
	su.Key = rest[:keyLen]
	su.BaseURL += su.Key
	if len(su.BaseURL) < len(rawURL) {
		su.BaseURL += "/"
	}
	if len(su.BaseURL) <= len(rawURL) {
		su.Path = rawURL[len(su.BaseURL):]
	}
	return
}

// Fields returns the parts as error fields.
func (su ServiceURL) Fields() map[string]any {
	return map[string]any{
		"url":     su.URL,
		"key":     su.Key,
		"baseUrl": su.BaseURL,
		"path":    su.Path,
	}
}
