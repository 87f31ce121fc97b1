package workflow

import (
	"strings"

	"appraisal/internal/domain"
	dErrors "appraisal/internal/domainerrors"
	"appraisal/internal/events"
	"appraisal/internal/policy"
)

// EditAnswer changes an answer during the review meeting. The manager may edit
// either side's answer; the employee only their own. answerRole picks the
// side's slot and may be empty when the section has a single side or the
// editor edits their own answer.
func (w Workflow) EditAnswer(a *Assignment, cmd Command, sectionID, questionID string, answerRole domain.Role, value string) ([]events.Envelope, error) {
	if err := w.guard(a, policy.OpEditAnswer, cmd, domain.StateInReview); err != nil {
		return nil, err
	}
	section, q, err := w.answerable(a, sectionID, questionID, value)
	if err != nil {
		return nil, err
	}
	if answerRole == "" {
		if sides := section.CompletionRole.Sides(); len(sides) == 1 {
			answerRole = sides[0]
		} else {
			answerRole = cmd.Actor.Role
		}
	}
	if !section.CompletionRole.Includes(answerRole) {
		return nil, dErrors.InvalidArgument("section %s has no %s answer", section.ID, answerRole)
	}
	if cmd.Actor.Role == domain.RoleEmployee && answerRole != domain.RoleEmployee {
		return nil, dErrors.Unauthorized("employee may only edit their own answers")
	}
	old := ""
	if ans, ok := a.Answer(section.ID, q.ID, answerRole); ok {
		old = ans.Value
	}
	v := strings.TrimSpace(value)
	if v == old {
		return nil, dErrors.InvalidArgument("answer to %s is unchanged", q.ID)
	}
	e := newEmitter(a, cmd)
	e.emit(&events.AnswerEditedDuringReview{
		SectionID:              section.ID,
		QuestionID:             q.ID,
		AnswerRole:             answerRole,
		OriginalCompletionRole: section.CompletionRole,
		OldValue:               old,
		NewValue:               v,
		EditorRole:             cmd.Actor.Role,
	})
	return e.events(), nil
}

func (w Workflow) noteContent(content string) (string, error) {
	c := strings.TrimSpace(content)
	if c == "" {
		return "", dErrors.InvalidArgument("note content is empty")
	}
	limit := w.Limits.NoteMaxLength
	if limit <= 0 {
		limit = DefaultLimits().NoteMaxLength
	}
	if n := len([]rune(c)); n > limit {
		return "", dErrors.InvalidArgument("note is %d characters, limit is %d", n, limit).With("max_length", limit)
	}
	return c, nil
}

func (w Workflow) AddNote(a *Assignment, cmd Command, noteID, content string, sectionID *string) ([]events.Envelope, error) {
	if err := w.guard(a, policy.OpManageNotes, cmd, domain.StateInReview); err != nil {
		return nil, err
	}
	if strings.TrimSpace(noteID) == "" {
		return nil, dErrors.InvalidArgument("note id is required")
	}
	if a.noteIndex(noteID) >= 0 {
		return nil, dErrors.InvalidArgument("note %s already exists", noteID)
	}
	c, err := w.noteContent(content)
	if err != nil {
		return nil, err
	}
	if sectionID != nil {
		if _, ok := a.Section(*sectionID); !ok {
			return nil, dErrors.InvalidArgument("unknown section %q", *sectionID)
		}
	}
	e := newEmitter(a, cmd)
	e.emit(&events.InReviewNoteAdded{NoteID: noteID, Content: c, SectionID: sectionID, AuthorRole: cmd.Actor.Role})
	return e.events(), nil
}

func (w Workflow) ownNote(a *Assignment, cmd Command, noteID string) error {
	if err := w.guard(a, policy.OpManageNotes, cmd, domain.StateInReview); err != nil {
		return err
	}
	i := a.noteIndex(noteID)
	if i < 0 {
		return dErrors.InvalidArgument("unknown note %q", noteID)
	}
	if a.Notes[i].AuthorID != cmd.Actor.ID {
		return dErrors.Unauthorized("note %s belongs to %s", noteID, a.Notes[i].AuthorID)
	}
	return nil
}

func (w Workflow) UpdateNote(a *Assignment, cmd Command, noteID, content string) ([]events.Envelope, error) {
	if err := w.ownNote(a, cmd, noteID); err != nil {
		return nil, err
	}
	c, err := w.noteContent(content)
	if err != nil {
		return nil, err
	}
	e := newEmitter(a, cmd)
	e.emit(&events.InReviewNoteUpdated{NoteID: noteID, Content: c})
	return e.events(), nil
}

func (w Workflow) DeleteNote(a *Assignment, cmd Command, noteID string) ([]events.Envelope, error) {
	if err := w.ownNote(a, cmd, noteID); err != nil {
		return nil, err
	}
	e := newEmitter(a, cmd)
	e.emit(&events.InReviewNoteDeleted{NoteID: noteID})
	return e.events(), nil
}
