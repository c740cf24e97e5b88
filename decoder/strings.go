package decoder

// StringTable is the per-stream interning table. It starts from a preset
// copy and grows as identifier strings are seen for the first time.
// Indexes are 1-based, matching the on-disk references.
type StringTable struct {
	entries []string
	index   map[string]int
}

func NewStringTable(preset []string) *StringTable {
	t := &StringTable{
		entries: make([]string, len(preset)),
		index:   make(map[string]int, len(preset)),
	}
	copy(t.entries, preset)
	for i, s := range t.entries {
		if _, ok := t.index[s]; !ok {
			t.index[s] = i + 1
		}
	}
	return t
}

func (t *StringTable) Len() int { return len(t.entries) }

// Lookup resolves a 1-based index.
func (t *StringTable) Lookup(i int) (string, bool) {
	if i < 1 || i > len(t.entries) {
		return "", false
	}
	return t.entries[i-1], true
}

// Intern returns the index of s, registering it on first occurrence.
func (t *StringTable) Intern(s string) int {
	if i, ok := t.index[s]; ok {
		return i
	}
	t.entries = append(t.entries, s)
	t.index[s] = len(t.entries)
	return len(t.entries)
}

// DefaultStringTable is the client's well-known string list as far as it has
// been reverse engineered. Index 1 is the first entry.
var DefaultStringTable = []string{
	"*corpid", "*locationid", "age", "Asteroid", "authentication", "ballID", "beyonce", "bloodlineID",
	"capacity", "categoryID", "character", "characterID", "characterName", "characterType", "charID",
	"chatx", "clientID", "config", "contraband", "corporationDateTime", "corporationID", "createDateTime",
	"customInfo", "description", "divisionID", "DoDestinyUpdate", "dogmaIM", "EVE System", "flag",
	"foo.SlimItem", "gangID", "Gemini", "gender", "graphicID", "groupID", "header", "idName", "invbroker",
	"itemID", "items", "jumps", "line", "lines", "locationID", "locationName", "macho.CallReq",
	"macho.CallRsp", "macho.MachoAddress", "macho.Notification", "macho.SessionChangeNotification",
	"modules", "name", "objectCaching", "objectCaching.CachedObject", "OnChatJoin", "OnChatLeave",
	"OnChatSpeak", "OnGodmaShipEffect", "OnItemChange", "OnModuleAttributeChange", "OnMultiEvent",
	"orbitID", "ownerID", "ownerName", "quantity", "raceID", "RowClass", "securityStatus", "Sentry Gun",
	"sessionchange", "singleton", "skillEffect", "squadronID", "typeID", "used", "userID",
	"util.CachedObject", "util.IndexRowset", "util.Moniker", "util.Row", "util.Rowset", "*multicastID",
	"AddBalls", "AttackHit3", "AttackHit3R", "AttackHit4R", "DoDestinyUpdates", "GetLocationsEx",
	"InvalidateCachedObjects", "JoinChannel", "LSC", "LaunchMissile", "LeaveChannel", "OID+", "OID-",
	"OnAggressionChange", "OnCharGangChange", "OnCharNoLongerInStation", "OnCharNowInStation",
	"OnDamageMessage", "OnDamageStateChange", "OnEffectHit", "OnGangDamageStateChange", "OnLSC",
	"OnSpecialFX", "OnTarget", "RemoveBalls", "SendMessage", "SetMaxSpeed", "SetSpeedFraction",
	"TerminalExplosion", "address", "alert", "allianceID", "allianceid", "bid", "bookmark", "bounty",
	"channel", "charid", "constellationid", "corpID", "corpid", "corprole", "damage", "duration",
	"effects.Laser", "gangid", "gangrole", "hqID", "issued", "jit", "languageID", "locationid",
	"machoVersion", "marketProxy", "minVolume", "orderID", "price", "range", "regionID", "regionid",
	"role", "rolesAtAll", "rolesAtBase", "rolesAtHQ", "rolesAtOther", "shipid", "sn", "solarSystemID",
	"solarsystemid", "stationID", "stationid", "target", "userType", "userid", "volEntered",
	"volRemaining", "weapon",
}
