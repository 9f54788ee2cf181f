package mcpserver

// DocumentFormat describes the markdown layout of synchronized documents so
// that LLM consumers can edit annotations without breaking the next sync.
const DocumentFormat = `# margin Document Format

Every synchronized source (web page, PDF) is stored as one Markdown file.
The sync engine reads these files back, so the structure below MUST be kept.

## Structure

` + "```" + `markdown
---
doc_type: hypothesis-highlights      # REQUIRED, never change
url: https://example.com/post        # REQUIRED, identifies the source, never change
title: Example post
author: Jane Doe                     # OPTIONAL
last_accessed: 2026-01-15T10:00:00Z  # OPTIONAL
---
# Example post

- URL: https://example.com/post

## Page note

<!-- annotation id=pn1 state=SYNCHRONIZED kind=page-note -->

Thoughts about the whole page.

tags: reading
<!-- /annotation -->

## Highlights

<!-- annotation id=a1 state=SYNCHRONIZED -->
> the highlighted passage

My note about it.

tags: go, concurrency
<!-- /annotation -->
` + "```" + `

## Rules

1. **Frontmatter** must stay first in the file. ` + "`" + `doc_type` + "`" + ` and ` + "`" + `url` + "`" + ` must not change.
2. **Annotation blocks** open with ` + "`" + `<!-- annotation ... -->` + "`" + ` and close with ` + "`" + `<!-- /annotation -->` + "`" + `.
   Keep the ` + "`" + `id` + "`" + `, ` + "`" + `kind` + "`" + `, ` + "`" + `reply_to` + "`" + `, ` + "`" + `created` + "`" + ` and ` + "`" + `updated` + "`" + ` attributes as they are.
3. **Quotes** are the lines starting with ` + "`" + `> ` + "`" + `. They mirror the highlighted text; an edited
   quote is pushed back as the highlight's quote selector. Page notes have no quote.
4. **Notes** are the free text between the quote and the tags line. Editing a note
   (or its tags) is picked up by the next local sync and pushed to the annotation service.
5. **Tags** are a single comma-separated line starting with ` + "`" + `tags:` + "`" + `. Tags cannot contain commas.
6. **New annotations** are blocks without an ` + "`" + `id` + "`" + `. They are kept locally as
   ` + "`" + `LOCAL_ONLY` + "`" + ` and never uploaded.
7. **The state attribute** is written by the sync engine on every run; values are
   SYNCHRONIZED, LOCAL_ONLY, REMOTE_ONLY, UPDATED_LOCAL, UPDATED_REMOTE.
8. Text outside annotation blocks is regenerated on each sync and should not be edited.
`
