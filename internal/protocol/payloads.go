package protocol

// Hello 连接后服务端下发的第一帧
type Hello struct {
	HeartbeatInterval int64 `json:"heartbeat_interval"` // 毫秒
}

// Ready 会话建立
type Ready struct {
	V                int    `json:"v"`
	SessionID        string `json:"session_id"`
	ResumeGatewayURL string `json:"resume_gateway_url,omitempty"`
	Shard            []int  `json:"shard,omitempty"`
}

// Identify 新建会话
type Identify struct {
	Token          string      `json:"token"`
	Properties     interface{} `json:"properties"`
	Compress       bool        `json:"compress,omitempty"`
	LargeThreshold int         `json:"large_threshold,omitempty"`
	Shard          *[2]int     `json:"shard,omitempty"`
	Presence       interface{} `json:"presence,omitempty"`
	Intents        int         `json:"intents"`
}

// Resume 恢复会话
type Resume struct {
	Token     string `json:"token"`
	SessionID string `json:"session_id"`
	Seq       int64  `json:"seq"`
}

// Presence 在线状态
type Presence struct {
	Since      *int64     `json:"since"`
	Activities []Activity `json:"activities"`
	Status     string     `json:"status"`
	AFK        bool       `json:"afk"`
}

// Activity 活动
type Activity struct {
	Name string `json:"name"`
	Type int    `json:"type"`
	URL  string `json:"url,omitempty"`
}

// RequestGuildMembers 请求服务器成员
type RequestGuildMembers struct {
	GuildID   string   `json:"guild_id"`
	Query     *string  `json:"query,omitempty"`
	Limit     int      `json:"limit"`
	Presences bool     `json:"presences,omitempty"`
	UserIDs   []string `json:"user_ids,omitempty"`
	Nonce     string   `json:"nonce,omitempty"`
}

// VoiceStateUpdate 更新语音状态
type VoiceStateUpdate struct {
	GuildID   string  `json:"guild_id"`
	ChannelID *string `json:"channel_id"`
	SelfMute  bool    `json:"self_mute"`
	SelfDeaf  bool    `json:"self_deaf"`
}
