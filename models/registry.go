package models

import (
	"sort"
	"sync"
	"time"

	"github.com/ocpp-balanz/balanz/internal/config"
	"github.com/ocpp-balanz/balanz/schedule"
	"github.com/ocpp-balanz/balanz/utility"
)

// SessionWriter receives closed sessions, the CSV appender in the usual setup.
type SessionWriter interface {
	Append(session *Session) error
}

// Registry exclusively owns every model entity. All mutations go through its
// lock; other components address entities by id and the allocator works from
// snapshots only.
type Registry struct {
	mux sync.RWMutex

	groups   map[string]*Group
	chargers map[string]*Charger
	tags     map[string]*Tag
	users    map[string]*User
	firmware map[string]*Firmware
	sessions []*Session

	sessionWriter SessionWriter

	nextTransactionId int

	monitoringWindow time.Duration
	minAllocation    int
	defaultPriority  int
	defaultConnMax   int
}

func NewRegistry(conf *config.Config) *Registry {
	return &Registry{
		groups:            make(map[string]*Group),
		chargers:          make(map[string]*Charger),
		tags:              make(map[string]*Tag),
		users:             make(map[string]*User),
		firmware:          make(map[string]*Firmware),
		nextTransactionId: 1,
		monitoringWindow:  time.Duration(conf.Balanz.UsageMonitoringInterval) * time.Second,
		minAllocation:     conf.Balanz.MinAllocation,
		defaultPriority:   conf.Balanz.DefaultPriority,
		defaultConnMax:    conf.Balanz.DefaultMaxAllocation,
	}
}

func (r *Registry) SetSessionWriter(writer SessionWriter) {
	r.mux.Lock()
	defer r.mux.Unlock()
	r.sessionWriter = writer
}

// ---------------------------------------------------------------------------
// Groups

func (r *Registry) AddGroup(group *Group) error {
	r.mux.Lock()
	defer r.mux.Unlock()
	return r.addGroupLocked(group)
}

func (r *Registry) addGroupLocked(group *Group) error {
	if _, ok := r.groups[group.GroupId]; ok {
		return Errf("group %s already exists", group.GroupId)
	}
	if group.ParentId != "" {
		if _, ok := r.groups[group.ParentId]; !ok {
			return Errf("parent group %s not found", group.ParentId)
		}
	}
	r.groups[group.GroupId] = group
	return nil
}

func (r *Registry) UpdateGroup(groupId, description, maxAllocation string, priority *int) error {
	r.mux.Lock()
	defer r.mux.Unlock()
	group, ok := r.groups[groupId]
	if !ok {
		return Errf("group %s not found", groupId)
	}
	if description != "" {
		group.Description = description
	}
	if maxAllocation != "" {
		parsed, err := schedule.Parse(maxAllocation)
		if err != nil {
			return err
		}
		group.MaxAllocation = parsed
	}
	if priority != nil {
		group.Priority = priority
	}
	return nil
}

func (r *Registry) DeleteGroup(groupId string) error {
	r.mux.Lock()
	defer r.mux.Unlock()
	if _, ok := r.groups[groupId]; !ok {
		return Errf("group %s not found", groupId)
	}
	for _, charger := range r.chargers {
		if charger.GroupId == groupId {
			return Errf("group %s still contains charger %s", groupId, charger.Id)
		}
	}
	for _, group := range r.groups {
		if group.ParentId == groupId {
			return Errf("group %s still contains subgroup %s", groupId, group.GroupId)
		}
	}
	delete(r.groups, groupId)
	return nil
}

func (r *Registry) GetGroup(groupId string) (*Group, bool) {
	r.mux.RLock()
	defer r.mux.RUnlock()
	group, ok := r.groups[groupId]
	return group, ok
}

func (r *Registry) Groups() []*Group {
	r.mux.RLock()
	defer r.mux.RUnlock()
	groups := make([]*Group, 0, len(r.groups))
	for _, group := range r.groups {
		groups = append(groups, group)
	}
	sort.Slice(groups, func(i, j int) bool { return groups[i].GroupId < groups[j].GroupId })
	return groups
}

// SetBalanzState suspends or resumes smart charging for a group subtree.
func (r *Registry) SetBalanzState(groupId string, suspend bool) error {
	r.mux.Lock()
	defer r.mux.Unlock()
	group, ok := r.groups[groupId]
	if !ok {
		return Errf("group %s not found", groupId)
	}
	group.Suspended = suspend
	return nil
}

// groupChainLocked returns the ancestor chain starting at groupId, walking up
// to the root. The load-time cycle check bounds the walk.
func (r *Registry) groupChainLocked(groupId string) []*Group {
	var chain []*Group
	seen := make(map[string]bool)
	for groupId != "" && !seen[groupId] {
		group, ok := r.groups[groupId]
		if !ok {
			break
		}
		seen[groupId] = true
		chain = append(chain, group)
		groupId = group.ParentId
	}
	return chain
}

// checkGroupTreeLocked rejects cycles and dangling parents after a load.
func (r *Registry) checkGroupTreeLocked() error {
	for id, group := range r.groups {
		if group.ParentId != "" {
			if _, ok := r.groups[group.ParentId]; !ok {
				return Errf("group %s references unknown parent %s", id, group.ParentId)
			}
		}
		seen := make(map[string]bool)
		for cursor := group; cursor != nil && cursor.ParentId != ""; cursor = r.groups[cursor.ParentId] {
			if seen[cursor.GroupId] {
				return Errf("group cycle detected at %s", cursor.GroupId)
			}
			seen[cursor.GroupId] = true
		}
	}
	return nil
}

// ---------------------------------------------------------------------------
// Chargers

func (r *Registry) AddCharger(charger *Charger) error {
	r.mux.Lock()
	defer r.mux.Unlock()
	return r.addChargerLocked(charger)
}

func (r *Registry) addChargerLocked(charger *Charger) error {
	if _, ok := r.chargers[charger.Id]; ok {
		return Errf("charger %s already exists", charger.Id)
	}
	if _, ok := r.groups[charger.GroupId]; !ok {
		return Errf("group %s not found", charger.GroupId)
	}
	if charger.ConnMax <= 0 {
		charger.ConnMax = r.defaultConnMax
	}
	if len(charger.Connectors) == 0 {
		charger.Connectors = map[int]*Connector{1: NewConnector(1, charger.Id)}
	}
	r.chargers[charger.Id] = charger
	return nil
}

func (r *Registry) UpdateCharger(chargerId, alias, description string, priority, connMax *int) error {
	r.mux.Lock()
	defer r.mux.Unlock()
	charger, ok := r.chargers[chargerId]
	if !ok {
		return Errf("charger %s not found", chargerId)
	}
	if alias != "" {
		charger.Alias = alias
	}
	if description != "" {
		charger.Description = description
	}
	if priority != nil {
		charger.Priority = *priority
	}
	if connMax != nil {
		charger.ConnMax = *connMax
	}
	return nil
}

func (r *Registry) DeleteCharger(chargerId string) error {
	r.mux.Lock()
	defer r.mux.Unlock()
	charger, ok := r.chargers[chargerId]
	if !ok {
		return Errf("charger %s not found", chargerId)
	}
	if charger.HasLiveTransaction() {
		return Errf("charger %s has a live transaction", chargerId)
	}
	delete(r.chargers, chargerId)
	return nil
}

// FindCharger looks a charger up by id or alias; the id wins when both match.
func (r *Registry) FindCharger(chargerId, alias string) (*Charger, bool) {
	r.mux.RLock()
	defer r.mux.RUnlock()
	if chargerId != "" {
		if charger, ok := r.chargers[chargerId]; ok {
			return charger, true
		}
	}
	if alias != "" {
		for _, charger := range r.chargers {
			if charger.Alias == alias {
				return charger, true
			}
		}
	}
	return nil, false
}

func (r *Registry) GetCharger(chargerId string) (*Charger, bool) {
	r.mux.RLock()
	defer r.mux.RUnlock()
	charger, ok := r.chargers[chargerId]
	return charger, ok
}

func (r *Registry) Chargers() []*Charger {
	r.mux.RLock()
	defer r.mux.RUnlock()
	chargers := make([]*Charger, 0, len(r.chargers))
	for _, charger := range r.chargers {
		chargers = append(chargers, charger)
	}
	sort.Slice(chargers, func(i, j int) bool { return chargers[i].Id < chargers[j].Id })
	return chargers
}

// Autoregister creates a charger with defaults in the configured group.
func (r *Registry) Autoregister(chargerId, groupId string) (*Charger, error) {
	r.mux.Lock()
	defer r.mux.Unlock()
	if charger, ok := r.chargers[chargerId]; ok {
		return charger, nil
	}
	charger := NewCharger(chargerId, chargerId, groupId, 1, r.defaultPriority, r.defaultConnMax)
	if err := r.addChargerLocked(charger); err != nil {
		return nil, err
	}
	return charger, nil
}

func (r *Registry) SetChargerConnected(chargerId string, connected bool) {
	r.mux.Lock()
	defer r.mux.Unlock()
	charger, ok := r.chargers[chargerId]
	if !ok {
		return
	}
	charger.Connected = connected
	if connected {
		charger.LastUpdate = time.Now()
		charger.ProfileInitialized = false
		charger.RequestedStatus = false
	}
}

func (r *Registry) TouchCharger(chargerId string) {
	r.mux.Lock()
	defer r.mux.Unlock()
	if charger, ok := r.chargers[chargerId]; ok {
		charger.LastUpdate = time.Now()
	}
}

func (r *Registry) SetChargerAuthSHA(chargerId, authSHA string) error {
	r.mux.Lock()
	defer r.mux.Unlock()
	charger, ok := r.chargers[chargerId]
	if !ok {
		return Errf("charger %s not found", chargerId)
	}
	charger.AuthSHA = authSHA
	return nil
}

// ---------------------------------------------------------------------------
// Tags

func (r *Registry) AddTag(tag *Tag) error {
	r.mux.Lock()
	defer r.mux.Unlock()
	tag.IdTag = NormalizeIdTag(tag.IdTag)
	if _, ok := r.tags[tag.IdTag]; ok {
		return Errf("tag %s already exists", tag.IdTag)
	}
	r.tags[tag.IdTag] = tag
	return nil
}

func (r *Registry) UpdateTag(idTag, userName, parentIdTag, description string, status TagStatus, priority *int) error {
	r.mux.Lock()
	defer r.mux.Unlock()
	tag, ok := r.tags[NormalizeIdTag(idTag)]
	if !ok {
		return Errf("tag %s not found", idTag)
	}
	if userName != "" {
		tag.UserName = userName
	}
	if parentIdTag != "" {
		tag.ParentIdTag = parentIdTag
	}
	if description != "" {
		tag.Description = description
	}
	if status != "" {
		tag.Status = status
	}
	if priority != nil {
		tag.Priority = priority
	}
	return nil
}

func (r *Registry) DeleteTag(idTag string) error {
	r.mux.Lock()
	defer r.mux.Unlock()
	normalized := NormalizeIdTag(idTag)
	if _, ok := r.tags[normalized]; !ok {
		return Errf("tag %s not found", idTag)
	}
	delete(r.tags, normalized)
	return nil
}

func (r *Registry) Tags() []*Tag {
	r.mux.RLock()
	defer r.mux.RUnlock()
	tags := make([]*Tag, 0, len(r.tags))
	for _, tag := range r.tags {
		tags = append(tags, tag)
	}
	sort.Slice(tags, func(i, j int) bool { return tags[i].IdTag < tags[j].IdTag })
	return tags
}

// ActiveTagMembers returns id tags of the parent group currently running a
// transaction, used to warn before blocking a parent tag.
func (r *Registry) ActiveTagMembers(parentIdTag string) []string {
	r.mux.RLock()
	defer r.mux.RUnlock()
	var active []string
	for _, charger := range r.chargers {
		for _, conn := range charger.Connectors {
			if conn.Transaction == nil {
				continue
			}
			if tag, ok := r.tags[NormalizeIdTag(conn.Transaction.IdTag)]; ok && tag.ParentIdTag == parentIdTag {
				active = append(active, tag.IdTag)
			}
		}
	}
	return active
}

// ---------------------------------------------------------------------------
// Users

func (r *Registry) AddUser(user *User) error {
	r.mux.Lock()
	defer r.mux.Unlock()
	if _, ok := r.users[user.UserId]; ok {
		return Errf("user %s already exists", user.UserId)
	}
	r.users[user.UserId] = user
	return nil
}

func (r *Registry) UpdateUser(userId, password, description string, userType UserType) error {
	r.mux.Lock()
	defer r.mux.Unlock()
	user, ok := r.users[userId]
	if !ok {
		return Errf("user %s not found", userId)
	}
	if password != "" {
		user.SetPassword(password)
	}
	if description != "" {
		user.Description = description
	}
	if userType != "" {
		user.UserType = userType
	}
	return nil
}

func (r *Registry) DeleteUser(userId string) error {
	r.mux.Lock()
	defer r.mux.Unlock()
	if _, ok := r.users[userId]; !ok {
		return Errf("user %s not found", userId)
	}
	delete(r.users, userId)
	return nil
}

func (r *Registry) Users() []*User {
	r.mux.RLock()
	defer r.mux.RUnlock()
	users := make([]*User, 0, len(r.users))
	for _, user := range r.users {
		users = append(users, user)
	}
	sort.Slice(users, func(i, j int) bool { return users[i].UserId < users[j].UserId })
	return users
}

// CheckAuth matches a login token (user id and password concatenated)
// against the stored hashes. Returns the user on success.
func (r *Registry) CheckAuth(token string) (*User, bool) {
	authSHA := utility.Sha256(token)
	r.mux.RLock()
	defer r.mux.RUnlock()
	for _, user := range r.users {
		if user.AuthSHA == authSHA {
			return user, true
		}
	}
	return nil, false
}

// ---------------------------------------------------------------------------
// Firmware

func (r *Registry) AddFirmware(firmware *Firmware) error {
	r.mux.Lock()
	defer r.mux.Unlock()
	if _, ok := r.firmware[firmware.FirmwareId]; ok {
		return Errf("firmware %s already exists", firmware.FirmwareId)
	}
	r.firmware[firmware.FirmwareId] = firmware
	return nil
}

func (r *Registry) UpdateFirmware(firmware *Firmware) error {
	r.mux.Lock()
	defer r.mux.Unlock()
	existing, ok := r.firmware[firmware.FirmwareId]
	if !ok {
		return Errf("firmware %s not found", firmware.FirmwareId)
	}
	*existing = *firmware
	return nil
}

func (r *Registry) DeleteFirmware(firmwareId string) error {
	r.mux.Lock()
	defer r.mux.Unlock()
	if _, ok := r.firmware[firmwareId]; !ok {
		return Errf("firmware %s not found", firmwareId)
	}
	delete(r.firmware, firmwareId)
	return nil
}

func (r *Registry) Firmware() []*Firmware {
	r.mux.RLock()
	defer r.mux.RUnlock()
	records := make([]*Firmware, 0, len(r.firmware))
	for _, firmware := range r.firmware {
		records = append(records, firmware)
	}
	sort.Slice(records, func(i, j int) bool { return records[i].FirmwareId < records[j].FirmwareId })
	return records
}

// FindFirmwareFor returns a firmware entry the charger qualifies for.
func (r *Registry) FindFirmwareFor(chargerId string) (*Firmware, bool) {
	r.mux.RLock()
	defer r.mux.RUnlock()
	charger, ok := r.chargers[chargerId]
	if !ok {
		return nil, false
	}
	for _, firmware := range r.firmware {
		if firmware.Matches(charger) {
			return firmware, true
		}
	}
	return nil, false
}

// ---------------------------------------------------------------------------
// Sessions

func (r *Registry) Sessions() []*Session {
	r.mux.RLock()
	defer r.mux.RUnlock()
	sessions := make([]*Session, len(r.sessions))
	copy(sessions, r.sessions)
	return sessions
}
