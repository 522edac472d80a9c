/*
Copyright 2016 The Kubernetes Authors.

Licensed under the Apache License, Version 2.0 (the "License");
you may not use this file except in compliance with the License.
You may obtain a copy of the License at

    http://www.apache.org/licenses/LICENSE-2.0

Unless required by applicable law or agreed to in writing, software
distributed under the License is distributed on an "AS IS" BASIS,
WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
See the License for the specific language governing permissions and
limitations under the License.
*/

// Package notify fires write-only Slack notifications from within scaling
// and draining state transitions. A notifier is never consulted for a
// decision, only told about one already made.
package notify

import (
	"fmt"

	"github.com/slack-go/slack"
	"k8s.io/klog/v2"

	"github.com/Azure/acs-engine-autoscaler/podmodel"
)

// Notifier announces scale and drain events. The zero value is not usable;
// construct one with NewBotToken, NewWebhook, or NewNoop.
type Notifier interface {
	ScaledPool(pool string, from, to int)
	Drained(nodeName string, pods []podmodel.Pod)
}

// noop discards every notification; used when no Slack credentials were
// configured.
type noop struct{}

func (noop) ScaledPool(string, int, int)    {}
func (noop) Drained(string, []podmodel.Pod) {}

// NewNoop returns a Notifier that does nothing, for an autoscaler run
// without Slack credentials.
func NewNoop() Notifier { return noop{} }

// slackNotifier posts to a channel via the Slack Web API using a bot token.
type slackNotifier struct {
	client  *slack.Client
	channel string
}

// NewBotToken builds a Notifier backed by a Slack bot token, posting to
// channel.
func NewBotToken(token, channel string) Notifier {
	return &slackNotifier{client: slack.New(token), channel: channel}
}

func (n *slackNotifier) ScaledPool(pool string, from, to int) {
	n.post(fmt.Sprintf(":arrow_up_small: scaling *%s* from %d to %d nodes", pool, from, to))
}

func (n *slackNotifier) Drained(nodeName string, pods []podmodel.Pod) {
	n.post(fmt.Sprintf(":broom: drained node *%s* (%d pods evicted)", nodeName, len(pods)))
}

func (n *slackNotifier) post(text string) {
	_, _, err := n.client.PostMessage(n.channel, slack.MsgOptionText(text, false))
	if err != nil {
		klog.Warningf("slack notification failed: %v", err)
	}
}

// webhookNotifier posts to an incoming webhook URL, for setups without a
// bot token.
type webhookNotifier struct {
	hookURL string
}

// NewWebhook builds a Notifier backed by a Slack incoming webhook URL.
func NewWebhook(hookURL string) Notifier {
	return &webhookNotifier{hookURL: hookURL}
}

func (n *webhookNotifier) ScaledPool(pool string, from, to int) {
	n.post(fmt.Sprintf(":arrow_up_small: scaling *%s* from %d to %d nodes", pool, from, to))
}

func (n *webhookNotifier) Drained(nodeName string, pods []podmodel.Pod) {
	n.post(fmt.Sprintf(":broom: drained node *%s* (%d pods evicted)", nodeName, len(pods)))
}

func (n *webhookNotifier) post(text string) {
	msg := &slack.WebhookMessage{Text: text}
	if err := slack.PostWebhook(n.hookURL, msg); err != nil {
		klog.Warningf("slack webhook notification failed: %v", err)
	}
}
