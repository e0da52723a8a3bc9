package event

const (
	fallbackToken    = "proxy-token"
	fallbackAPIAppID = "proxy-app"
	slashCommandType = "slash_command"
)

// Normalize builds the canonical envelope for one raw event. It has no hidden
// state: identical inputs give identical envelopes. Upstream identifiers are
// copied verbatim and enrichment only fills the resolved* fields.
func Normalize(raw RawEvent, kind Kind, enrichment Enrichment, correlationID string) Envelope {
	payload := raw.Payload

	env := Envelope{
		Token:         payload.String("token"),
		TeamID:        payload.String("team_id"),
		APIAppID:      payload.String("api_app_id"),
		Type:          CallbackType,
		EventID:       payload.String("event_id"),
		CorrelationID: correlationID,
		Kind:          kind,
	}
	if env.TeamID == "" {
		env.TeamID = payload.Map("team").String("id")
	}
	if env.Token == "" {
		env.Token = fallbackToken
	}
	if env.APIAppID == "" {
		env.APIAppID = fallbackAPIAppID
	}
	if env.EventID == "" {
		env.EventID = "relay-" + correlationID
	}
	if eventTime, ok := payload.Int64("event_time"); ok {
		env.EventTime = eventTime
	} else if !raw.ReceivedAt.IsZero() {
		env.EventTime = raw.ReceivedAt.Unix()
	}

	if raw.FrameType == FrameEventsAPI {
		env.Extra = outerRemainder(payload)
	}

	env.Event = normalizeBody(raw, kind)
	env.Event.ResolvedUser = enrichment.UserName
	env.Event.ResolvedUserEmail = enrichment.UserEmail
	env.Event.ResolvedChannel = enrichment.ChannelName

	return env
}

// outerRemainder returns the callback fields not lifted onto the envelope.
// Values of an unexpected shape are kept rather than lost.
func outerRemainder(payload Fields) map[string]any {
	p := newPicker(payload)
	p.str("token")
	p.str("team_id")
	p.str("api_app_id")
	p.str("event_id")
	p.object("event")
	if _, ok := payload.Int64("event_time"); ok {
		p.drop("event_time")
	}
	if payload.String("type") == CallbackType {
		p.drop("type")
	}
	return p.remaining()
}

func normalizeBody(raw RawEvent, kind Kind) Body {
	p := newPicker(raw.body())

	var body Body
	switch kind {
	case KindMessage:
		body = Body{
			Type:        p.str("type"),
			Subtype:     p.str("subtype"),
			Channel:     p.str("channel"),
			ChannelType: p.str("channel_type"),
			User:        p.str("user"),
			Text:        p.str("text"),
			TS:          p.str("ts"),
			ThreadTS:    p.str("thread_ts"),
			EventTS:     p.str("event_ts"),
		}

	case KindReaction:
		body = Body{
			Type:     p.str("type"),
			User:     p.str("user"),
			Reaction: p.str("reaction"),
			ItemUser: p.str("item_user"),
			EventTS:  p.str("event_ts"),
			Item:     p.item("item"),
		}

	case KindMemberJoin:
		body = Body{
			Type:        p.str("type"),
			User:        p.str("user"),
			Channel:     p.str("channel"),
			ChannelType: p.str("channel_type"),
			Team:        p.str("team"),
			Inviter:     p.str("inviter"),
			EventTS:     p.str("event_ts"),
		}

	case KindCommand:
		body = Body{
			Type:        slashCommandType,
			Command:     p.str("command"),
			Text:        p.str("text"),
			User:        p.str("user_id"),
			UserName:    p.str("user_name"),
			Channel:     p.str("channel_id"),
			ChannelName: p.str("channel_name"),
			TriggerID:   p.str("trigger_id"),
			ResponseURL: p.str("response_url"),
		}
		p.drop("token", "team_id", "api_app_id")

	case KindInteractive:
		body = Body{
			Type:        p.str("type"),
			TriggerID:   p.str("trigger_id"),
			ResponseURL: p.str("response_url"),
			Actions:     p.take("actions"),
		}
		if user := p.nested("user"); user != nil {
			body.User = user.str("id")
			body.UserName = user.str("username")
			if body.UserName == "" {
				body.UserName = user.str("name")
			}
			p.restore("user", user)
		}
		if channel := p.nested("channel"); channel != nil {
			body.Channel = channel.str("id")
			body.ChannelName = channel.str("name")
			p.restore("channel", channel)
		}
		// team.id is lifted to the envelope unless a top-level team_id wins.
		if team := p.nested("team"); team != nil {
			if p.rest.String("team_id") == "" {
				team.str("id")
			}
			p.restore("team", team)
		}
		p.drop("token", "api_app_id")

	default:
		body = Body{Type: p.str("type")}
		if body.Type == "" {
			body.Type = raw.FrameType
		}
	}

	body.Extra = p.remaining()
	return body
}

// picker consumes known keys from a copy of the source object; whatever is left
// is passed through untouched.
type picker struct {
	rest Fields
}

func newPicker(src Fields) *picker {
	return &picker{rest: src.Clone()}
}

// str takes a string field. Non-string values under the same key stay in the
// remainder so nothing is silently dropped.
func (p *picker) str(key string) string {
	value, ok := p.rest[key].(string)
	if !ok {
		return ""
	}
	delete(p.rest, key)
	return value
}

func (p *picker) take(key string) any {
	value, ok := p.rest[key]
	if !ok {
		return nil
	}
	delete(p.rest, key)
	return value
}

func (p *picker) object(key string) Fields {
	value := p.rest.Map(key)
	if value == nil {
		return nil
	}
	delete(p.rest, key)
	return value
}

// nested starts picking inside the object at key. Pass it to restore so the
// unconsumed keys stay under key.
func (p *picker) nested(key string) *picker {
	src := p.object(key)
	if src == nil {
		return nil
	}
	return newPicker(src)
}

func (p *picker) restore(key string, inner *picker) {
	if rest := inner.remaining(); rest != nil {
		p.rest[key] = rest
	}
}

func (p *picker) item(key string) *Item {
	src := p.object(key)
	if src == nil {
		return nil
	}

	inner := newPicker(src)
	return &Item{
		Type:    inner.str("type"),
		Channel: inner.str("channel"),
		TS:      inner.str("ts"),
		Extra:   inner.remaining(),
	}
}

func (p *picker) drop(keys ...string) {
	for _, key := range keys {
		delete(p.rest, key)
	}
}

func (p *picker) remaining() map[string]any {
	if len(p.rest) == 0 {
		return nil
	}
	return map[string]any(p.rest)
}
