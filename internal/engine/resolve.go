package engine

import (
	"questline/internal/domain"
)

// ResolveMember computes the derived status of one mission member from
// the prerequisite map and the sibling instances' completion facts.
// Pure: reads only its arguments, writes nothing.
//
// A member's own completed status is a stable fact and short-circuits
// prerequisite evaluation. A prerequisite missing from both instance
// maps counts as not completed; missing data never unlocks anything.
func ResolveMember(memberID string, tmpl domain.MissionTemplate, a domain.Assignment) string {
	if memberCompleted(memberID, a) {
		return domain.MemberCompleted
	}
	prereqs := tmpl.Prerequisites[memberID]
	for _, p := range prereqs {
		if !memberCompleted(p, a) {
			return domain.MemberLocked
		}
	}
	return domain.MemberActive
}

// memberCompleted checks the completion fact for a member, which may
// live in either instance map.
func memberCompleted(memberID string, a domain.Assignment) bool {
	if qi, ok := a.QuestInstances[memberID]; ok {
		return qi.Status == domain.MemberCompleted
	}
	if ti, ok := a.TaskInstances[memberID]; ok {
		return ti.Status == domain.MemberCompleted
	}
	return false
}

// questTasksDone reports whether every task in the quest template's
// list is completed in the given task_status map. A task missing from
// the map is pending.
func questTasksDone(tasks []domain.QuestTask, taskStatus map[string]string) bool {
	for _, t := range tasks {
		if taskStatus[t.ID] != domain.LeafCompleted {
			return false
		}
	}
	return true
}

// missionMembersDone reports whether every declared member of the
// mission has a completed instance.
func missionMembersDone(tmpl domain.MissionTemplate, a domain.Assignment) bool {
	for _, id := range tmpl.Members() {
		if !memberCompleted(id, a) {
			return false
		}
	}
	return true
}
