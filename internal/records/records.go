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

// Package records defines the domain records served by the read API and the
// decoders that extract them from upstream GraphQL responses. The serving
// layers treat these values as opaque JSON payloads; only this package knows
// the upstream response topology.
package records

import (
	"time"
)

// createdAtLayout is the timestamp format used by the upstream for every
// created_at field ("Mon Jan 02 15:04:05 -0700 2006").
const createdAtLayout = time.RubyDate

// Media is one attachment on a tweet. VideoURL is set only for videos and
// animated GIFs, pointing at the highest-bitrate MP4 variant.
type Media struct {
	Type        string `json:"type"`
	URL         string `json:"url"`
	ExpandedURL string `json:"expanded_url"`
	VideoURL    string `json:"video_url,omitempty"`
}

// URL is one resolved link from a tweet body.
type URL struct {
	URL        string `json:"url"`
	DisplayURL string `json:"display_url"`
}

// Tweet is the canonical tweet record. Field names are part of the public
// API surface and of the cached envelope format; do not rename them.
type Tweet struct {
	ID             string  `json:"id"`
	Text           string  `json:"text"`
	CreatedAt      string  `json:"created_at"`
	AuthorID       string  `json:"author_id"`
	AuthorUsername string  `json:"author_username"`
	AuthorName     string  `json:"author_name"`
	RetweetCount   int     `json:"retweet_count"`
	LikeCount      int     `json:"like_count"`
	ReplyCount     int     `json:"reply_count"`
	QuoteCount     int     `json:"quote_count"`
	ViewCount      int     `json:"view_count"`
	BookmarkCount  int     `json:"bookmark_count"`
	Language       string  `json:"language"`
	IsReply        bool    `json:"is_reply"`
	IsRetweet      bool    `json:"is_retweet"`
	IsQuote        bool    `json:"is_quote"`
	Media          []Media `json:"media"`
	URLs           []URL   `json:"urls"`
}

// CreatedAtUnix returns the tweet timestamp as unix seconds, or 0 when the
// upstream string is absent or malformed. The search index sorts on this.
func (t *Tweet) CreatedAtUnix() int64 {
	if t.CreatedAt == "" {
		return 0
	}
	ts, err := time.Parse(createdAtLayout, t.CreatedAt)
	if err != nil {
		return 0
	}
	return ts.Unix()
}

// UserProfile is the canonical user record.
type UserProfile struct {
	ID              string `json:"id"`
	Username        string `json:"username"`
	Name            string `json:"name"`
	Bio             string `json:"bio"`
	Location        string `json:"location"`
	Website         string `json:"website"`
	FollowersCount  int    `json:"followers_count"`
	FollowingCount  int    `json:"following_count"`
	TweetCount      int    `json:"tweet_count"`
	ListedCount     int    `json:"listed_count"`
	CreatedAt       string `json:"created_at"`
	IsVerified      bool   `json:"is_verified"`
	IsBlueVerified  bool   `json:"is_blue_verified"`
	ProfileImageURL string `json:"profile_image_url"`
	BannerURL       string `json:"banner_url,omitempty"`
}

// UserSummary is the lightweight user shape returned by follower and
// following listings.
type UserSummary struct {
	ID              string `json:"id"`
	Username        string `json:"username"`
	Name            string `json:"name"`
	Bio             string `json:"bio"`
	FollowersCount  int    `json:"followers_count"`
	FollowingCount  int    `json:"following_count"`
	IsBlueVerified  bool   `json:"is_blue_verified"`
	ProfileImageURL string `json:"profile_image_url"`
}

// TweetThread is a focal tweet with its reply thread, as returned by the
// tweet-detail operation.
type TweetThread struct {
	Tweet   *Tweet  `json:"tweet"`
	Replies []Tweet `json:"replies"`
}

// Timeline is a page of tweets plus the cursor for the next page. An empty
// NextCursor means the upstream offered no further page.
type Timeline struct {
	Tweets     []Tweet `json:"tweets"`
	NextCursor string  `json:"next_cursor,omitempty"`
}

// UserListing is a page of user summaries plus the next-page cursor.
type UserListing struct {
	Users      []UserSummary `json:"users"`
	NextCursor string        `json:"next_cursor,omitempty"`
}
