package a2a

// MergeArtifact folds an artifact-update event into an artifact list and
// returns the updated list.
//
// An event whose ArtifactID is not present inserts the artifact. An event
// sharing an ArtifactID with a prior artifact updates it: by default the
// parts are replaced wholesale; with Append set the incoming parts are
// appended, and with Index also set the incoming text is concatenated onto
// the text part at that index instead (streamed text). Sequence always
// advances to the event's value.
func MergeArtifact(existing []Artifact, evt TaskArtifactUpdateEvent) []Artifact {
	update := evt.Artifact

	for i := range existing {
		if existing[i].ArtifactID != update.ArtifactID {
			continue
		}

		if !evt.Append {
			// Replacement keeps identity fields fresh from the update.
			existing[i] = update
			return existing
		}

		if evt.Index != nil && *evt.Index >= 0 && *evt.Index < len(existing[i].Parts) {
			existing[i].Parts = appendAt(existing[i].Parts, *evt.Index, update.Parts)
		} else {
			existing[i].Parts = append(existing[i].Parts, update.Parts...)
		}

		if update.Name != "" {
			existing[i].Name = update.Name
		}
		if update.MediaType != "" {
			existing[i].MediaType = update.MediaType
		}
		if update.Sequence > existing[i].Sequence {
			existing[i].Sequence = update.Sequence
		}
		return existing
	}

	return append(existing, update)
}

// appendAt concatenates the text of incoming parts onto the text part at
// index, falling back to a plain append for non-text content.
func appendAt(parts []Part, index int, incoming []Part) []Part {
	target := parts[index]
	if target.Text == nil {
		return append(parts, incoming...)
	}

	combined := *target.Text
	rest := make([]Part, 0, len(incoming))
	for _, p := range incoming {
		if p.Text != nil {
			combined += *p.Text
		} else {
			rest = append(rest, p)
		}
	}
	parts[index].Text = &combined
	return append(parts, rest...)
}

// FindArtifact returns the artifact with the given id, if present.
func FindArtifact(artifacts []Artifact, artifactID string) (*Artifact, bool) {
	for i := range artifacts {
		if artifacts[i].ArtifactID == artifactID {
			return &artifacts[i], true
		}
	}
	return nil, false
}
