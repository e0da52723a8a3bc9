package event

// CallbackType is the envelope type the downstream expects for every delivery.
const CallbackType = "event_callback"

// Envelope is the canonical record POSTed downstream. Its outer shape follows
// the Events API callback so existing webhook workflows accept it unchanged.
type Envelope struct {
	Token         string `json:"token"`
	TeamID        string `json:"team_id"`
	APIAppID      string `json:"api_app_id"`
	Event         Body   `json:"event"`
	Type          string `json:"type"`
	EventID       string `json:"event_id"`
	EventTime     int64  `json:"event_time"`
	CorrelationID string `json:"correlation_id"`
	Kind          Kind   `json:"relay_kind"`

	// Extra holds outer callback fields the relay does not model, such as
	// authorizations or event_context.
	Extra map[string]any `json:"extra,omitempty"`
}

// Body is the per-kind event record. Which fields are populated depends on the
// kind; sub-fields the relay does not model are carried in Extra.
type Body struct {
	Type        string `json:"type"`
	Subtype     string `json:"subtype,omitempty"`
	User        string `json:"user,omitempty"`
	Channel     string `json:"channel,omitempty"`
	ChannelType string `json:"channel_type,omitempty"`
	Text        string `json:"text,omitempty"`
	TS          string `json:"ts,omitempty"`
	ThreadTS    string `json:"thread_ts,omitempty"`
	EventTS     string `json:"event_ts,omitempty"`

	Reaction string `json:"reaction,omitempty"`
	Item     *Item  `json:"item,omitempty"`
	ItemUser string `json:"item_user,omitempty"`

	Team    string `json:"team,omitempty"`
	Inviter string `json:"inviter,omitempty"`

	Command     string `json:"command,omitempty"`
	UserName    string `json:"user_name,omitempty"`
	ChannelName string `json:"channel_name,omitempty"`
	TriggerID   string `json:"trigger_id,omitempty"`
	ResponseURL string `json:"response_url,omitempty"`
	Actions     any    `json:"actions,omitempty"`

	ResolvedUser      string `json:"resolvedUser,omitempty"`
	ResolvedUserEmail string `json:"resolvedUserEmail,omitempty"`
	ResolvedChannel   string `json:"resolvedChannel,omitempty"`

	Extra map[string]any `json:"extra,omitempty"`
}

// Item is the message a reaction was added to.
type Item struct {
	Type    string         `json:"type"`
	Channel string         `json:"channel,omitempty"`
	TS      string         `json:"ts,omitempty"`
	Extra   map[string]any `json:"extra,omitempty"`
}

// Enrichment carries resolved display values. Empty fields mean unresolved.
type Enrichment struct {
	UserName    string
	UserEmail   string
	ChannelName string
}
