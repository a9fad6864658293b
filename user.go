package flagcore

// User carries the attributes of the entity an evaluation is performed for.
//
// UserID is the default unit of randomization; CustomIDs supplies alternate
// units (e.g. "stableID", "companyID") selected via a Condition's or Rule's
// IDType. PrivateAttributes participate in evaluation exactly like Custom,
// but are never copied into exposure logging by SDK layers above this one.
type User struct {
	UserID             string                 `json:"userID"`
	Email              string                 `json:"email"`
	IPAddress          string                 `json:"ip"`
	UserAgent          string                 `json:"userAgent"`
	Country            string                 `json:"country"`
	Locale             string                 `json:"locale"`
	AppVersion         string                 `json:"appVersion"`
	Custom             map[string]interface{} `json:"custom"`
	PrivateAttributes  map[string]interface{} `json:"privateAttributes"`
	StatsigEnvironment map[string]string      `json:"statsigEnvironment"`
	CustomIDs          map[string]string      `json:"customIDs"`
}
