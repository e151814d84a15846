package watcher

import "github.com/ritzau/buildwatch/pkg/model"

// NormalizeChanges reduces the changes of a batch to at most one per path,
// keeping the order in which paths first appear.
//
// Repeated kinds collapse. A delete followed by an add becomes a change, an
// add followed by a delete cancels out, a delete discards earlier changes and
// changes after an add are part of the add. A rename reports the old path
// going away and is treated as a delete.
func NormalizeChanges(changes []model.ChangedPath) []model.ChangedPath {
	type state struct {
		update, remove, add *model.ChangedPath
		previous            model.ChangeKind
		seen                bool
	}

	var order []string
	states := map[string]*state{}
	for _, c := range changes {
		kind := c.Kind
		if kind == model.ChangeRenamed {
			kind = model.ChangeRemoved
		}

		s, ok := states[c.Path]
		if !ok {
			s = &state{}
			states[c.Path] = s
			order = append(order, c.Path)
		}
		if s.seen && s.previous == kind {
			continue
		}
		s.seen, s.previous = true, kind

		switch kind {
		case model.ChangeAdded:
			if s.remove != nil {
				s.remove, s.add = nil, nil
				if s.update == nil {
					s.update = &model.ChangedPath{Path: c.Path, Kind: model.ChangeChanged}
				}
			} else {
				s.add = &model.ChangedPath{Path: c.Path, Kind: model.ChangeAdded}
			}
		case model.ChangeRemoved:
			if s.add != nil {
				s.remove, s.add = nil, nil
			} else {
				s.remove = &model.ChangedPath{Path: c.Path, Kind: model.ChangeRemoved}
				s.update = nil
			}
		case model.ChangeChanged:
			if s.add == nil {
				s.update = &model.ChangedPath{Path: c.Path, Kind: model.ChangeChanged}
			}
		}
	}

	var normalized []model.ChangedPath
	for _, p := range order {
		s := states[p]
		switch {
		case s.remove != nil:
			normalized = append(normalized, *s.remove)
		case s.add != nil:
			normalized = append(normalized, *s.add)
		case s.update != nil:
			normalized = append(normalized, *s.update)
		}
	}
	return normalized
}
