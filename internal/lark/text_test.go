package lark

import "testing"

func TestParseTextContent(t *testing.T) {
	got := parseTextContent(`{"text":"hello world"}`)
	if got != "hello world" {
		t.Fatalf("got %q", got)
	}
}

func TestParseTextContentMalformed(t *testing.T) {
	if got := parseTextContent("not json"); got != "" {
		t.Fatalf("got %q, want empty", got)
	}
}

func TestStripMentions(t *testing.T) {
	cases := map[string]string{
		"@_user_1 hello":             "hello",
		"hello @_user_2 there":       "hello there",
		"@_user_1 @_user_2  hi  bot": "hi bot",
		"no mentions here":           "no mentions here",
	}
	for in, want := range cases {
		if got := stripMentions(in); got != want {
			t.Errorf("stripMentions(%q) = %q, want %q", in, got, want)
		}
	}
}

func TestMentionsBot(t *testing.T) {
	if !mentionsBot([]string{"ou_abc", "ou_bot"}, "ou_bot") {
		t.Fatal("expected bot to be found among mentions")
	}
	if mentionsBot([]string{"ou_abc"}, "ou_bot") {
		t.Fatal("expected bot not found")
	}
	if mentionsBot(nil, "") {
		t.Fatal("empty bot id must never match")
	}
}

func TestShouldProcessMessage(t *testing.T) {
	if !shouldProcessMessage("p2p", nil, "ou_bot") {
		t.Fatal("p2p messages always process")
	}
	if shouldProcessMessage("group", nil, "ou_bot") {
		t.Fatal("group message with no mention must be ignored")
	}
	if !shouldProcessMessage("group", []string{"ou_bot"}, "ou_bot") {
		t.Fatal("group message mentioning the bot must process")
	}
}
