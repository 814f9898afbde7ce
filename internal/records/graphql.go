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

// GraphQL response decoding. The upstream wraps every record in several
// layers of envelope ("result", "legacy", "core", timeline instructions);
// the decoders below unwrap them and tolerate absent nodes, because the
// upstream omits whole subtrees rather than sending nulls.

package records

import (
	"encoding/json"
	"strconv"
	"strings"

	"xread/internal/xerr"
)

// Node type names the upstream uses to flag withheld content.
const (
	typeUserUnavailable  = "UserUnavailable"
	typeTweetUnavailable = "TweetUnavailable"
	typeVisibilityWrap   = "TweetWithVisibilityResults"
)

// Timeline instruction and entry discriminators.
const (
	instrAddEntries = "TimelineAddEntries"
	instrPinEntry   = "TimelinePinEntry"
	entryItem       = "TimelineTimelineItem"
	entryModule     = "TimelineTimelineModule"
	entryCursor     = "TimelineTimelineCursor"
	cursorBottom    = "Bottom"
)

type userNode struct {
	TypeName       string `json:"__typename"`
	RestID         string `json:"rest_id"`
	IsBlueVerified bool   `json:"is_blue_verified"`
	Core           *struct {
		ScreenName string `json:"screen_name"`
		Name       string `json:"name"`
		CreatedAt  string `json:"created_at"`
	} `json:"core"`
	Avatar *struct {
		ImageURL string `json:"image_url"`
	} `json:"avatar"`
	Legacy *userLegacy `json:"legacy"`
}

type userLegacy struct {
	ScreenName           string `json:"screen_name"`
	Name                 string `json:"name"`
	Description          string `json:"description"`
	Location             string `json:"location"`
	CreatedAt            string `json:"created_at"`
	FollowersCount       int    `json:"followers_count"`
	FriendsCount         int    `json:"friends_count"`
	StatusesCount        int    `json:"statuses_count"`
	ListedCount          int    `json:"listed_count"`
	Verified             bool   `json:"verified"`
	ProfileImageURLHTTPS string `json:"profile_image_url_https"`
	ProfileBannerURL     string `json:"profile_banner_url"`
	Entities             *struct {
		URL struct {
			URLs []struct {
				ExpandedURL string `json:"expanded_url"`
			} `json:"urls"`
		} `json:"url"`
	} `json:"entities"`
}

type tweetNode struct {
	TypeName string `json:"__typename"`
	// Set when TypeName is TweetWithVisibilityResults; the real tweet
	// is nested one level down.
	Tweet  *tweetNode `json:"tweet"`
	RestID string     `json:"rest_id"`
	Core   *struct {
		UserResults struct {
			Result *userNode `json:"result"`
		} `json:"user_results"`
	} `json:"core"`
	Legacy *tweetLegacy `json:"legacy"`
	Views  *struct {
		Count string `json:"count"`
	} `json:"views"`
}

type tweetLegacy struct {
	IDStr                 string          `json:"id_str"`
	FullText              string          `json:"full_text"`
	CreatedAt             string          `json:"created_at"`
	UserIDStr             string          `json:"user_id_str"`
	RetweetCount          int             `json:"retweet_count"`
	FavoriteCount         int             `json:"favorite_count"`
	ReplyCount            int             `json:"reply_count"`
	QuoteCount            int             `json:"quote_count"`
	BookmarkCount         int             `json:"bookmark_count"`
	Lang                  string          `json:"lang"`
	InReplyToStatusIDStr  string          `json:"in_reply_to_status_id_str"`
	RetweetedStatusResult json.RawMessage `json:"retweeted_status_result"`
	IsQuoteStatus         bool            `json:"is_quote_status"`
	Entities              *struct {
		URLs []struct {
			URL         string `json:"url"`
			ExpandedURL string `json:"expanded_url"`
			DisplayURL  string `json:"display_url"`
		} `json:"urls"`
	} `json:"entities"`
	ExtendedEntities *struct {
		Media []mediaNode `json:"media"`
	} `json:"extended_entities"`
}

type mediaNode struct {
	Type          string `json:"type"`
	MediaURLHTTPS string `json:"media_url_https"`
	ExpandedURL   string `json:"expanded_url"`
	VideoInfo     *struct {
		Variants []struct {
			ContentType string `json:"content_type"`
			Bitrate     int    `json:"bitrate"`
			URL         string `json:"url"`
		} `json:"variants"`
	} `json:"video_info"`
}

// itemContent appears under both flat timeline items and module items; a
// given entry carries either a tweet result or a user result.
type itemContent struct {
	TweetResults struct {
		Result *tweetNode `json:"result"`
	} `json:"tweet_results"`
	UserResults struct {
		Result *userNode `json:"result"`
	} `json:"user_results"`
}

type timelineEntry struct {
	Content struct {
		EntryType   string       `json:"entryType"`
		CursorType  string       `json:"cursorType"`
		Value       string       `json:"value"`
		ItemContent *itemContent `json:"itemContent"`
		Items       []struct {
			Item struct {
				ItemContent *itemContent `json:"itemContent"`
			} `json:"item"`
		} `json:"items"`
	} `json:"content"`
}

type timelineInstruction struct {
	Type    string          `json:"type"`
	Entry   *timelineEntry  `json:"entry"`
	Entries []timelineEntry `json:"entries"`
}

type timeline struct {
	Instructions []timelineInstruction `json:"instructions"`
}

// userResultEnvelope is shared by profile lookups and user-rooted timelines;
// the upstream has shipped the timeline both as timeline_v2.timeline and as
// timeline.timeline, so both paths are decoded.
type userResultEnvelope struct {
	Data struct {
		User struct {
			Result *struct {
				userNode
				TimelineV2 struct {
					Timeline timeline `json:"timeline"`
				} `json:"timeline_v2"`
				Timeline struct {
					Timeline timeline `json:"timeline"`
				} `json:"timeline"`
			} `json:"result"`
		} `json:"user"`
	} `json:"data"`
}

// ParseUserProfile decodes a profile lookup response. A missing or withheld
// user maps to a NotFound error.
func ParseUserProfile(raw []byte) (*UserProfile, error) {
	const op = "records.user"

	var env userResultEnvelope
	if err := json.Unmarshal(raw, &env); err != nil {
		return nil, xerr.New(xerr.Transient, op, err)
	}
	res := env.Data.User.Result
	if res == nil || res.TypeName == typeUserUnavailable {
		return nil, xerr.Newf(xerr.NotFound, op, "user unavailable")
	}
	p := parseUserNode(&res.userNode)
	if p == nil {
		return nil, xerr.Newf(xerr.NotFound, op, "user unavailable")
	}
	return p, nil
}

func parseUserNode(n *userNode) *UserProfile {
	if n == nil || n.TypeName == typeUserUnavailable || n.RestID == "" {
		return nil
	}

	legacy := n.Legacy
	if legacy == nil {
		legacy = &userLegacy{}
	}

	website := ""
	if legacy.Entities != nil && len(legacy.Entities.URL.URLs) > 0 {
		website = legacy.Entities.URL.URLs[0].ExpandedURL
	}

	// Newer responses carry screen_name/name/created_at under core and the
	// avatar under its own node; older ones keep everything in legacy.
	username := legacy.ScreenName
	name := legacy.Name
	createdAt := legacy.CreatedAt
	if n.Core != nil {
		if n.Core.ScreenName != "" {
			username = n.Core.ScreenName
		}
		if n.Core.Name != "" {
			name = n.Core.Name
		}
		if n.Core.CreatedAt != "" {
			createdAt = n.Core.CreatedAt
		}
	}
	image := legacy.ProfileImageURLHTTPS
	if n.Avatar != nil && n.Avatar.ImageURL != "" {
		image = n.Avatar.ImageURL
	}
	image = strings.ReplaceAll(image, "_normal", "_400x400")

	return &UserProfile{
		ID:              n.RestID,
		Username:        username,
		Name:            name,
		Bio:             legacy.Description,
		Location:        legacy.Location,
		Website:         website,
		FollowersCount:  legacy.FollowersCount,
		FollowingCount:  legacy.FriendsCount,
		TweetCount:      legacy.StatusesCount,
		ListedCount:     legacy.ListedCount,
		CreatedAt:       createdAt,
		IsVerified:      legacy.Verified,
		IsBlueVerified:  n.IsBlueVerified,
		ProfileImageURL: image,
		BannerURL:       legacy.ProfileBannerURL,
	}
}

func parseUserSummary(n *userNode) *UserSummary {
	if n == nil || n.TypeName == typeUserUnavailable || n.RestID == "" {
		return nil
	}
	legacy := n.Legacy
	if legacy == nil {
		legacy = &userLegacy{}
	}
	username := legacy.ScreenName
	name := legacy.Name
	if n.Core != nil {
		if n.Core.ScreenName != "" {
			username = n.Core.ScreenName
		}
		if n.Core.Name != "" {
			name = n.Core.Name
		}
	}
	return &UserSummary{
		ID:              n.RestID,
		Username:        username,
		Name:            name,
		Bio:             legacy.Description,
		FollowersCount:  legacy.FollowersCount,
		FollowingCount:  legacy.FriendsCount,
		IsBlueVerified:  n.IsBlueVerified,
		ProfileImageURL: legacy.ProfileImageURLHTTPS,
	}
}

func parseTweetNode(n *tweetNode) *Tweet {
	if n == nil || n.TypeName == typeTweetUnavailable {
		return nil
	}
	if n.TypeName == typeVisibilityWrap && n.Tweet != nil {
		n = n.Tweet
	}

	legacy := n.Legacy
	if legacy == nil {
		legacy = &tweetLegacy{}
	}

	var author *userNode
	if n.Core != nil {
		author = n.Core.UserResults.Result
	}
	authorID := legacy.UserIDStr
	authorUsername := ""
	authorName := ""
	if author != nil {
		if authorID == "" {
			authorID = author.RestID
		}
		if author.Core != nil {
			authorUsername = author.Core.ScreenName
			authorName = author.Core.Name
		}
		if author.Legacy != nil {
			if authorUsername == "" {
				authorUsername = author.Legacy.ScreenName
			}
			if authorName == "" {
				authorName = author.Legacy.Name
			}
		}
	}

	viewCount := 0
	if n.Views != nil && n.Views.Count != "" {
		viewCount, _ = strconv.Atoi(n.Views.Count)
	}

	var media []Media
	if legacy.ExtendedEntities != nil {
		for _, m := range legacy.ExtendedEntities.Media {
			mtype := m.Type
			if mtype == "" {
				mtype = "photo"
			}
			item := Media{
				Type:        mtype,
				URL:         m.MediaURLHTTPS,
				ExpandedURL: m.ExpandedURL,
			}
			if (mtype == "video" || mtype == "animated_gif") && m.VideoInfo != nil {
				best := -1
				for _, v := range m.VideoInfo.Variants {
					if v.ContentType == "video/mp4" && v.Bitrate > best {
						best = v.Bitrate
						item.VideoURL = v.URL
					}
				}
			}
			media = append(media, item)
		}
	}

	var urls []URL
	if legacy.Entities != nil {
		for _, u := range legacy.Entities.URLs {
			link := u.ExpandedURL
			if link == "" {
				link = u.URL
			}
			urls = append(urls, URL{URL: link, DisplayURL: u.DisplayURL})
		}
	}

	id := legacy.IDStr
	if id == "" {
		id = n.RestID
	}
	if id == "" {
		return nil
	}

	return &Tweet{
		ID:             id,
		Text:           legacy.FullText,
		CreatedAt:      legacy.CreatedAt,
		AuthorID:       authorID,
		AuthorUsername: authorUsername,
		AuthorName:     authorName,
		RetweetCount:   legacy.RetweetCount,
		LikeCount:      legacy.FavoriteCount,
		ReplyCount:     legacy.ReplyCount,
		QuoteCount:     legacy.QuoteCount,
		ViewCount:      viewCount,
		BookmarkCount:  legacy.BookmarkCount,
		Language:       legacy.Lang,
		IsReply:        legacy.InReplyToStatusIDStr != "",
		IsRetweet:      len(legacy.RetweetedStatusResult) > 0 && string(legacy.RetweetedStatusResult) != "null",
		IsQuote:        legacy.IsQuoteStatus,
		Media:          media,
		URLs:           urls,
	}
}

// ParseTweet decodes a single-tweet lookup response. Deleted and withheld
// tweets map to NotFound.
func ParseTweet(raw []byte) (*Tweet, error) {
	const op = "records.tweet"

	var env struct {
		Data struct {
			TweetResult struct {
				Result *tweetNode `json:"result"`
			} `json:"tweetResult"`
		} `json:"data"`
	}
	if err := json.Unmarshal(raw, &env); err != nil {
		return nil, xerr.New(xerr.Transient, op, err)
	}
	t := parseTweetNode(env.Data.TweetResult.Result)
	if t == nil {
		return nil, xerr.Newf(xerr.NotFound, op, "tweet unavailable")
	}
	return t, nil
}

// ParseTweetThread decodes a conversation response into the focal tweet and
// its replies. Module entries hold the ranked reply threads; flat entries
// hold the focal tweet itself plus inline replies.
func ParseTweetThread(raw []byte, focalID string) (*TweetThread, error) {
	const op = "records.tweet_detail"

	var env struct {
		Data struct {
			Conversation struct {
				Instructions []timelineInstruction `json:"instructions"`
			} `json:"threaded_conversation_with_injections_v2"`
		} `json:"data"`
	}
	if err := json.Unmarshal(raw, &env); err != nil {
		return nil, xerr.New(xerr.Transient, op, err)
	}

	thread := &TweetThread{Replies: []Tweet{}}
	for _, ins := range env.Data.Conversation.Instructions {
		if ins.Type != instrAddEntries {
			continue
		}
		for i := range ins.Entries {
			content := &ins.Entries[i].Content
			switch content.EntryType {
			case entryItem:
				if content.ItemContent == nil {
					continue
				}
				t := parseTweetNode(content.ItemContent.TweetResults.Result)
				if t == nil {
					continue
				}
				if t.ID == focalID {
					thread.Tweet = t
				} else {
					thread.Replies = append(thread.Replies, *t)
				}
			case entryModule:
				for _, item := range content.Items {
					if item.Item.ItemContent == nil {
						continue
					}
					t := parseTweetNode(item.Item.ItemContent.TweetResults.Result)
					if t != nil && t.ID != focalID {
						thread.Replies = append(thread.Replies, *t)
					}
				}
			}
		}
	}

	if thread.Tweet == nil {
		return nil, xerr.Newf(xerr.NotFound, op, "tweet unavailable")
	}
	return thread, nil
}

// ParseUserTimeline decodes an author-timeline response. Pinned entries are
// included ahead of the chronological page, matching the upstream order.
func ParseUserTimeline(raw []byte) (*Timeline, error) {
	const op = "records.user_tweets"

	var env userResultEnvelope
	if err := json.Unmarshal(raw, &env); err != nil {
		return nil, xerr.New(xerr.Transient, op, err)
	}

	tl := &Timeline{Tweets: []Tweet{}}
	res := env.Data.User.Result
	if res == nil {
		return tl, nil
	}
	instructions := res.TimelineV2.Timeline.Instructions
	if len(instructions) == 0 {
		instructions = res.Timeline.Timeline.Instructions
	}

	for _, ins := range instructions {
		switch ins.Type {
		case instrAddEntries:
			for i := range ins.Entries {
				collectTweetEntry(&ins.Entries[i], tl)
			}
		case instrPinEntry:
			if ins.Entry != nil {
				collectTweetEntry(ins.Entry, tl)
			}
		}
	}
	return tl, nil
}

// ParseSearchTimeline decodes a free-text search response.
func ParseSearchTimeline(raw []byte) (*Timeline, error) {
	const op = "records.search"

	var env struct {
		Data struct {
			SearchByRawQuery struct {
				SearchTimeline struct {
					Timeline timeline `json:"timeline"`
				} `json:"search_timeline"`
			} `json:"search_by_raw_query"`
		} `json:"data"`
	}
	if err := json.Unmarshal(raw, &env); err != nil {
		return nil, xerr.New(xerr.Transient, op, err)
	}

	tl := &Timeline{Tweets: []Tweet{}}
	for _, ins := range env.Data.SearchByRawQuery.SearchTimeline.Timeline.Instructions {
		for i := range ins.Entries {
			collectTweetEntry(&ins.Entries[i], tl)
		}
	}
	return tl, nil
}

// ParseUserListing decodes a followers or following response.
func ParseUserListing(raw []byte) (*UserListing, error) {
	const op = "records.social"

	var env userResultEnvelope
	if err := json.Unmarshal(raw, &env); err != nil {
		return nil, xerr.New(xerr.Transient, op, err)
	}

	listing := &UserListing{Users: []UserSummary{}}
	res := env.Data.User.Result
	if res == nil {
		return listing, nil
	}

	for _, ins := range res.Timeline.Timeline.Instructions {
		if ins.Type != instrAddEntries {
			continue
		}
		for i := range ins.Entries {
			content := &ins.Entries[i].Content
			switch content.EntryType {
			case entryItem:
				if content.ItemContent == nil {
					continue
				}
				if u := parseUserSummary(content.ItemContent.UserResults.Result); u != nil {
					listing.Users = append(listing.Users, *u)
				}
			case entryCursor:
				if content.CursorType == cursorBottom {
					listing.NextCursor = content.Value
				}
			}
		}
	}
	return listing, nil
}

func collectTweetEntry(e *timelineEntry, tl *Timeline) {
	content := &e.Content
	switch content.EntryType {
	case entryItem:
		if content.ItemContent == nil {
			return
		}
		if t := parseTweetNode(content.ItemContent.TweetResults.Result); t != nil {
			tl.Tweets = append(tl.Tweets, *t)
		}
	case entryCursor:
		if content.CursorType == cursorBottom {
			tl.NextCursor = content.Value
		}
	}
}
