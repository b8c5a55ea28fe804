package conflict

import (
	"time"

	"github.com/afenda/offlinesync/internal/models"
)

// Heuristic outcomes for a field both sides changed.
type outcome int

const (
	merged outcome = iota
	unresolved
)

// field describes one domain field of an entity variant. Sync metadata is
// never listed here.
type field struct {
	name  string
	equal func(a, b models.Entity) bool
	zero  func(e models.Entity) bool
	// take copies the field from src into dst.
	take func(dst, src models.Entity)
	// merge writes the reconciled value into dst when both sides changed it.
	merge func(dst, client, server models.Entity) outcome
	// ruled fields carry a value rule that applies whenever the two sides
	// differ, even when only one of them moved off the base.
	ruled bool
}

func task(e models.Entity) *models.Task       { return e.(*models.Task) }
func project(e models.Entity) *models.Project { return e.(*models.Project) }

func fieldsFor(t models.EntityType) []field {
	if t == models.EntityProject {
		return projectFields
	}
	return taskFields
}

func names(fs []field) []string {
	out := make([]string, len(fs))
	for i, f := range fs {
		out[i] = f.name
	}
	return out
}

// byTimestamp keeps the side with the later updatedAt. An exact tie cannot be
// decided and is reported unresolved.
func byTimestamp(client, server models.Entity, takeClient func()) outcome {
	cu, su := client.Meta().UpdatedAt, server.Meta().UpdatedAt
	switch {
	case cu.After(su):
		takeClient()
		return merged
	case cu.Equal(su):
		return unresolved
	}
	return merged
}

const offlineMarker = "\n\n[Added offline]: "

func mergeText(client, server string) string {
	switch {
	case client != "" && server != "":
		return server + offlineMarker + client
	case client != "":
		return client
	}
	return server
}

func timeEqual(a, b *time.Time) bool {
	if a == nil || b == nil {
		return a == b
	}
	return a.Equal(*b)
}

func copyTime(t *time.Time) *time.Time {
	if t == nil {
		return nil
	}
	c := *t
	return &c
}

func tagsEqual(a, b []string) bool {
	if len(a) != len(b) {
		return false
	}
	for i := range a {
		if a[i] != b[i] {
			return false
		}
	}
	return true
}

func unionTags(server, client []string) []string {
	seen := make(map[string]struct{}, len(server)+len(client))
	var out []string
	for _, list := range [][]string{server, client} {
		for _, t := range list {
			if _, ok := seen[t]; ok {
				continue
			}
			seen[t] = struct{}{}
			out = append(out, t)
		}
	}
	return out
}

var taskFields = []field{
	{
		name:  "title",
		equal: func(a, b models.Entity) bool { return task(a).Title == task(b).Title },
		zero:  func(e models.Entity) bool { return task(e).Title == "" },
		take:  func(dst, src models.Entity) { task(dst).Title = task(src).Title },
		merge: func(dst, c, s models.Entity) outcome {
			return byTimestamp(c, s, func() { task(dst).Title = task(c).Title })
		},
	},
	{
		name:  "description",
		equal: func(a, b models.Entity) bool { return task(a).Description == task(b).Description },
		zero:  func(e models.Entity) bool { return task(e).Description == "" },
		take:  func(dst, src models.Entity) { task(dst).Description = task(src).Description },
		merge: func(dst, c, s models.Entity) outcome {
			task(dst).Description = mergeText(task(c).Description, task(s).Description)
			return merged
		},
	},
	{
		// completedAt travels with status.
		name:  "status",
		ruled: true,
		equal: func(a, b models.Entity) bool { return task(a).Status == task(b).Status },
		zero:  func(e models.Entity) bool { return task(e).Status == "" },
		take: func(dst, src models.Entity) {
			task(dst).Status = task(src).Status
			task(dst).CompletedAt = copyTime(task(src).CompletedAt)
		},
		merge: func(dst, c, s models.Entity) outcome {
			ct, st := task(c), task(s)
			switch {
			case ct.Status == models.StatusDone && st.Status != models.StatusDone:
				task(dst).Status = models.StatusDone
				task(dst).CompletedAt = copyTime(ct.CompletedAt)
			case st.Status == models.StatusDone && ct.Status != models.StatusDone:
				task(dst).Status = models.StatusDone
				task(dst).CompletedAt = copyTime(st.CompletedAt)
			default:
				return unresolved
			}
			return merged
		},
	},
	{
		name:  "priority",
		ruled: true,
		equal: func(a, b models.Entity) bool { return task(a).Priority == task(b).Priority },
		zero:  func(e models.Entity) bool { return task(e).Priority == "" },
		take:  func(dst, src models.Entity) { task(dst).Priority = task(src).Priority },
		merge: func(dst, c, s models.Entity) outcome {
			if task(c).Priority.Rank() >= task(s).Priority.Rank() {
				task(dst).Priority = task(c).Priority
			} else {
				task(dst).Priority = task(s).Priority
			}
			return merged
		},
	},
	{
		name:  "dueDate",
		ruled: true,
		equal: func(a, b models.Entity) bool { return timeEqual(task(a).DueDate, task(b).DueDate) },
		zero:  func(e models.Entity) bool { return task(e).DueDate == nil },
		take:  func(dst, src models.Entity) { task(dst).DueDate = copyTime(task(src).DueDate) },
		merge: func(dst, c, s models.Entity) outcome {
			cd, sd := task(c).DueDate, task(s).DueDate
			switch {
			case cd != nil && sd != nil:
				if cd.Before(*sd) {
					task(dst).DueDate = copyTime(cd)
				} else {
					task(dst).DueDate = copyTime(sd)
				}
			case cd != nil:
				task(dst).DueDate = copyTime(cd)
			default:
				task(dst).DueDate = copyTime(sd)
			}
			return merged
		},
	},
	{
		name:  "tags",
		ruled: true,
		equal: func(a, b models.Entity) bool { return tagsEqual(task(a).Tags, task(b).Tags) },
		zero:  func(e models.Entity) bool { return len(task(e).Tags) == 0 },
		take: func(dst, src models.Entity) {
			task(dst).Tags = append([]string(nil), task(src).Tags...)
		},
		merge: func(dst, c, s models.Entity) outcome {
			task(dst).Tags = unionTags(task(s).Tags, task(c).Tags)
			return merged
		},
	},
	{
		name:  "projectId",
		equal: func(a, b models.Entity) bool { return task(a).ProjectID == task(b).ProjectID },
		zero:  func(e models.Entity) bool { return task(e).ProjectID == "" },
		take:  func(dst, src models.Entity) { task(dst).ProjectID = task(src).ProjectID },
	},
}

var projectFields = []field{
	{
		name:  "name",
		equal: func(a, b models.Entity) bool { return project(a).Name == project(b).Name },
		zero:  func(e models.Entity) bool { return project(e).Name == "" },
		take:  func(dst, src models.Entity) { project(dst).Name = project(src).Name },
		merge: func(dst, c, s models.Entity) outcome {
			return byTimestamp(c, s, func() { project(dst).Name = project(c).Name })
		},
	},
	{
		name:  "description",
		equal: func(a, b models.Entity) bool { return project(a).Description == project(b).Description },
		zero:  func(e models.Entity) bool { return project(e).Description == "" },
		take:  func(dst, src models.Entity) { project(dst).Description = project(src).Description },
		merge: func(dst, c, s models.Entity) outcome {
			project(dst).Description = mergeText(project(c).Description, project(s).Description)
			return merged
		},
	},
	{
		name:  "color",
		equal: func(a, b models.Entity) bool { return project(a).Color == project(b).Color },
		zero:  func(e models.Entity) bool { return project(e).Color == "" },
		take:  func(dst, src models.Entity) { project(dst).Color = project(src).Color },
		merge: func(dst, c, s models.Entity) outcome {
			if project(c).Color != "" {
				project(dst).Color = project(c).Color
			} else {
				project(dst).Color = project(s).Color
			}
			return merged
		},
	},
	{
		name:  "archived",
		ruled: true,
		equal: func(a, b models.Entity) bool { return project(a).Archived == project(b).Archived },
		zero:  func(e models.Entity) bool { return !project(e).Archived },
		take:  func(dst, src models.Entity) { project(dst).Archived = project(src).Archived },
		merge: func(dst, c, s models.Entity) outcome {
			project(dst).Archived = project(c).Archived || project(s).Archived
			return merged
		},
	},
}
