// Copyright 2025 Esteban Alvarez. All Rights Reserved.
//
// Created: October 2025
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

package cache

import (
	"crypto/sha1"
	"encoding/hex"
	"strings"
)

// Key kinds. The kind tags the record family; bumping the v1 segment in Key
// invalidates the whole namespace at once.
const (
	KindProfile     = "profile"
	KindTweet       = "tweet"
	KindTweetDetail = "tweet_detail"
	KindUserTweets  = "user_tweets"
	KindSearch      = "search"
	KindSocial      = "social"
)

// Key builds a cache key of the form <kind>:v1:<digest>. A single argument
// is used verbatim; multiple arguments are joined with "|" and digested to a
// 16-character hash prefix so parameter tuples stay inside the key-length
// budget without colliding.
func Key(kind string, args ...string) string {
	joined := strings.Join(args, "|")
	if len(args) > 1 {
		sum := sha1.Sum([]byte(joined))
		joined = hex.EncodeToString(sum[:])[:16]
	}
	return kind + ":v1:" + joined
}
