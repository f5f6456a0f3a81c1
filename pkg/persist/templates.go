/*
Author: KleaSCM
Email: KleaSCM@gmail.com
File: templates.go
Description: Text templates for the persisted credential artifacts: the env-style file and the
human-readable banner report.
*/

package persist

// envTemplate renders the env-style file. Values are written verbatim.
const envTemplate = `# {{.Title}} Credentials - Extracted on {{.Timestamp}}
# Generated by heapkey (profile {{.Profile}})

{{range .Vars}}{{.Key}}={{.Value}}
{{end}}`

// reportTemplate renders the banner report.
const reportTemplate = `
{{bar}}
                    {{upper .Title}} CREDENTIALS
                    Extracted on: {{.Timestamp}}
{{bar}}
{{range .Sections}}
{{.Title}}
{{dashes .Title}}
{{range .Lines}}{{.}}
{{end}}{{end}}
{{bar}}
{{- if .Usage}}

USAGE:
------
{{.Usage}}

{{bar}}
{{- end}}
`
