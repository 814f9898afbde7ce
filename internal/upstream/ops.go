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

package upstream

// Public web-app bearer token; every request carries it.
const bearerToken = "AAAAAAAAAAAAAAAAAAAAANRILgAAAAAAnNwIzUejRCOuH5E6I8xnZz4puTs%3D1Zv7ttfk8LF81IUq16cHjhLTvJu4FA33AGWWjCpTnA"

// User agent matching the newest browser profile the origin accepts.
const browserUserAgent = "Mozilla/5.0 (Windows NT 10.0; Win64; x64) AppleWebKit/537.36 (KHTML, like Gecko) Chrome/131.0.0.0 Safari/537.36"

// Query IDs captured from the origin's web bundles. The ids rotate when
// the bundle ships; unknown-operation errors are the tell.
var queryIDs = map[string]string{
	"UserByScreenName":         "-oaLodhGbbnzJBACb1kk2Q",
	"UserByRestId":             "Bbaot8ySMtJD7K2t01gW7A",
	"UserTweets":               "a3SQAz_VP9k8VWDr9bMcXQ",
	"UserTweetsAndReplies":     "NullQbZlUJl-u6oBYRdrVw",
	"UserMedia":                "8HCIrWwy4C0fBTbPnMq5aA",
	"Likes":                    "fuBEtiFu3uQFuPDTsv4bfg",
	"Followers":                "oQWxG6XdR5SPvMBsPiKUPQ",
	"Following":                "i2GOldCH2D3OUEhAdimLrA",
	"TweetResultByRestId":      "0aTrQMKgj95K791yXeNDRA",
	"TweetDetail":              "Kzfv17rukSzjT96BerOWZA",
	"SearchTimeline":           "f_A-Gyo204PRxixpkrchJg",
	"ListLatestTweetsTimeline": "haIYNjPwpisz8wMc42vWpQ",
}

// Feature flags sent on profile and social-graph operations. Kept as
// pre-serialized JSON: the flag set is fixed per bundle capture and the
// origin sees the exact byte order the web app sends.
const featuresJSON = `{"hidden_profile_subscriptions_enabled":true,` +
	`"profile_label_improvements_pcf_label_in_post_enabled":true,` +
	`"responsive_web_profile_redirect_enabled":false,` +
	`"rweb_tipjar_consumption_enabled":false,` +
	`"verified_phone_label_enabled":false,` +
	`"subscriptions_verification_info_is_identity_verified_enabled":true,` +
	`"subscriptions_verification_info_verified_since_enabled":true,` +
	`"highlights_tweets_tab_ui_enabled":true,` +
	`"responsive_web_twitter_article_notes_tab_enabled":true,` +
	`"subscriptions_feature_can_gift_premium":true,` +
	`"creator_subscriptions_tweet_preview_api_enabled":true,` +
	`"responsive_web_graphql_skip_user_profile_image_extensions_enabled":false,` +
	`"responsive_web_graphql_timeline_navigation_enabled":true}`

// Superset of featuresJSON for tweet-bearing operations.
const tweetFeaturesJSON = `{"hidden_profile_subscriptions_enabled":true,` +
	`"profile_label_improvements_pcf_label_in_post_enabled":true,` +
	`"responsive_web_profile_redirect_enabled":false,` +
	`"rweb_tipjar_consumption_enabled":false,` +
	`"verified_phone_label_enabled":false,` +
	`"subscriptions_verification_info_is_identity_verified_enabled":true,` +
	`"subscriptions_verification_info_verified_since_enabled":true,` +
	`"highlights_tweets_tab_ui_enabled":true,` +
	`"responsive_web_twitter_article_notes_tab_enabled":true,` +
	`"subscriptions_feature_can_gift_premium":true,` +
	`"creator_subscriptions_tweet_preview_api_enabled":true,` +
	`"responsive_web_graphql_skip_user_profile_image_extensions_enabled":false,` +
	`"responsive_web_graphql_timeline_navigation_enabled":true,` +
	`"rweb_video_timestamps_enabled":true,` +
	`"longform_notetweets_consumption_enabled":true,` +
	`"longform_notetweets_richtext_consumption_enabled":true,` +
	`"longform_notetweets_inline_media_enabled":true,` +
	`"responsive_web_enhance_cards_enabled":false,` +
	`"tweetypie_unmention_optimization_enabled":true,` +
	`"responsive_web_edit_tweet_api_enabled":true,` +
	`"graphql_is_translatable_rweb_tweet_is_translatable_enabled":true,` +
	`"view_counts_everywhere_api_enabled":true,` +
	`"freedom_of_speech_not_reach_fetch_enabled":true,` +
	`"standardized_nudges_misinfo":true,` +
	`"tweet_with_visibility_results_prefer_gql_limited_actions_policy_enabled":true,` +
	`"interactive_text_enabled":true,` +
	`"responsive_web_text_conversations_enabled":false,` +
	`"responsive_web_twitter_blue_verified_badge_is_enabled":true,` +
	`"vibe_api_enabled":true,` +
	`"responsive_web_graphql_exclude_directive_enabled":true,` +
	`"communities_web_enable_tweet_community_results_fetch":true,` +
	`"responsive_web_grok_image_annotation_enabled":true,` +
	`"responsive_web_jetfuel_frame":false,` +
	`"responsive_web_grok_show_grok_translated_post":false,` +
	`"c9s_tweet_anatomy_moderator_badge_enabled":true,` +
	`"responsive_web_grok_annotations_enabled":true,` +
	`"post_ctas_fetch_enabled":true,` +
	`"responsive_web_grok_analyze_button_fetch_trends_enabled":false,` +
	`"articles_preview_enabled":true,` +
	`"responsive_web_grok_analyze_post_followups_enabled":false,` +
	`"responsive_web_grok_analysis_button_from_backend":false,` +
	`"responsive_web_grok_community_note_auto_translation_is_enabled":false,` +
	`"responsive_web_grok_share_attachment_enabled":false,` +
	`"responsive_web_twitter_article_tweet_consumption_enabled":true,` +
	`"creator_subscriptions_quote_tweet_preview_enabled":true,` +
	`"premium_content_api_read_enabled":false,` +
	`"longform_notetweets_rich_text_read_enabled":true,` +
	`"tweet_awards_web_tipping_enabled":false,` +
	`"responsive_web_grok_imagine_annotation_enabled":false,` +
	`"rweb_video_screen_enabled":false}`

const fieldTogglesJSON = `{"withPayments":false,"withAuxiliaryUserLabels":true}`

const articleTogglesJSON = `{"withArticlePlainText":false}`

// gqlRequest describes one GraphQL call: operation, serialized variable
// struct, and the flag sets to attach. preferAccount marks operations the
// origin gates behind login, routed to account credentials first.
type gqlRequest struct {
	opName        string
	variables     interface{}
	features      string
	fieldToggles  string
	preferAccount bool
}

type userLookupVars struct {
	ScreenName            string `json:"screen_name,omitempty"`
	UserID                string `json:"userId,omitempty"`
	WithGrokTranslatedBio bool   `json:"withGrokTranslatedBio"`
}

type tweetLookupVars struct {
	TweetID                string `json:"tweetId"`
	WithCommunity          bool   `json:"withCommunity"`
	IncludePromotedContent bool   `json:"includePromotedContent"`
	WithVoice              bool   `json:"withVoice"`
}

type tweetDetailVars struct {
	FocalTweetID                           string `json:"focalTweetId"`
	WithRuxInjections                      bool   `json:"with_rux_injections"`
	RankingMode                            string `json:"rankingMode"`
	IncludePromotedContent                 bool   `json:"includePromotedContent"`
	WithCommunity                          bool   `json:"withCommunity"`
	WithQuickPromoteEligibilityTweetFields bool   `json:"withQuickPromoteEligibilityTweetFields"`
	WithBirdwatchNotes                     bool   `json:"withBirdwatchNotes"`
	WithVoice                              bool   `json:"withVoice"`
}

type userTweetsVars struct {
	UserID                                 string `json:"userId"`
	Count                                  int    `json:"count"`
	IncludePromotedContent                 bool   `json:"includePromotedContent"`
	WithQuickPromoteEligibilityTweetFields bool   `json:"withQuickPromoteEligibilityTweetFields"`
	WithVoice                              bool   `json:"withVoice"`
	WithV2Timeline                         bool   `json:"withV2Timeline"`
	Cursor                                 string `json:"cursor,omitempty"`
}

type searchVars struct {
	RawQuery    string `json:"rawQuery"`
	Count       int    `json:"count"`
	QuerySource string `json:"querySource"`
	Product     string `json:"product"`
	Cursor      string `json:"cursor,omitempty"`
}

type socialGraphVars struct {
	UserID                 string `json:"userId"`
	Count                  int    `json:"count"`
	IncludePromotedContent bool   `json:"includePromotedContent"`
	Cursor                 string `json:"cursor,omitempty"`
}

func userByScreenNameRequest(username string) gqlRequest {
	return gqlRequest{
		opName:       "UserByScreenName",
		variables:    userLookupVars{ScreenName: username},
		features:     featuresJSON,
		fieldToggles: fieldTogglesJSON,
	}
}

func userByIDRequest(userID string) gqlRequest {
	return gqlRequest{
		opName:       "UserByRestId",
		variables:    userLookupVars{UserID: userID},
		features:     featuresJSON,
		fieldToggles: fieldTogglesJSON,
	}
}

func tweetByIDRequest(tweetID string) gqlRequest {
	return gqlRequest{
		opName:    "TweetResultByRestId",
		variables: tweetLookupVars{TweetID: tweetID},
		features:  tweetFeaturesJSON,
	}
}

func tweetDetailRequest(tweetID string) gqlRequest {
	return gqlRequest{
		opName: "TweetDetail",
		variables: tweetDetailVars{
			FocalTweetID:       tweetID,
			RankingMode:        "Relevance",
			WithCommunity:      true,
			WithBirdwatchNotes: true,
			WithVoice:          true,
		},
		features:      tweetFeaturesJSON,
		fieldToggles:  articleTogglesJSON,
		preferAccount: true,
	}
}

func userTweetsRequest(userID string, count int, cursor string) gqlRequest {
	return gqlRequest{
		opName: "UserTweets",
		variables: userTweetsVars{
			UserID:         userID,
			Count:          count,
			WithVoice:      true,
			WithV2Timeline: true,
			Cursor:         cursor,
		},
		features: tweetFeaturesJSON,
	}
}

func searchRequest(query, product string, count int, cursor string) gqlRequest {
	return gqlRequest{
		opName: "SearchTimeline",
		variables: searchVars{
			RawQuery:    query,
			Count:       count,
			QuerySource: "typed_query",
			Product:     product,
			Cursor:      cursor,
		},
		features:      tweetFeaturesJSON,
		preferAccount: true,
	}
}

func followersRequest(userID string, count int, cursor string) gqlRequest {
	return gqlRequest{
		opName:        "Followers",
		variables:     socialGraphVars{UserID: userID, Count: count, Cursor: cursor},
		features:      tweetFeaturesJSON,
		fieldToggles:  fieldTogglesJSON,
		preferAccount: true,
	}
}

func followingRequest(userID string, count int, cursor string) gqlRequest {
	return gqlRequest{
		opName:        "Following",
		variables:     socialGraphVars{UserID: userID, Count: count, Cursor: cursor},
		features:      tweetFeaturesJSON,
		fieldToggles:  fieldTogglesJSON,
		preferAccount: true,
	}
}
