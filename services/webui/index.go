package webui

import (
	"bytes"
	"html/template"
	"net/http"

	"github.com/dustin/go-humanize"

	"aqm-go/drivers/sen5x"
)

var indexTmpl = template.Must(template.New("index").Parse(`<!DOCTYPE html>
<head><meta charset=utf-8><style>
:root { --c-fg: #d2f3ff; --c-bg: #09373b; }
body { margin: 0 auto; padding: 1em;
  max-width: 960px; color: var(--c-fg); background: var(--c-bg); }
h3, ul { margin-block-end: 0; }
a, a:visited { color: #5dcef5; }
#exports { float: left; } #actions { float: right; }
#errors, #graph { clear: both; }
#errors { width: 40rem; list-style: none; padding: 0; }
#errors li { background: #9b2220; font-weight: bold;
  margin: .5rem; padding: .5rem 1rem; border-radius: .4rem; }
</style>
<title>{{.Title}}</title><body><h3>{{.Title}}</h3>
<ul id=exports>
  <li><a href="{{.CSV}}">Data export in CSV</a>
  <li><a id=data-url href="{{.Binary}}">Data export in binary format</a>
  <li>{{.Count}} samples stored
</ul>
<ul id=actions>
{{- if .FanClean}}
  <li><a href="{{.FanClean}}">Run fan cleaning</a> (at least every week)
{{- else if .FanCleanNext}}
  <li>Fan cleaning available {{.FanCleanNext}}
{{- end}}
</ul>
<ul id=errors>
{{- range .Errors}}
  <li>{{.}}
{{- end}}
</ul>
<div id=graph><svg></svg></div>
<script>
window.aqm_opts = { marks_bs_max: {{.MarksBytes}} }
window.aqm_urls = { data: {{.Binary}}, marks: {{.Marks}} }
</script>
{{- if .Script}}
<script type=text/javascript src="{{.Script}}"></script>
{{- end}}
`))

type indexPage struct {
	Title        string
	CSV          string
	Binary       string
	Marks        string
	Script       string
	FanClean     string
	FanCleanNext string
	Errors       []string
	Count        string
	MarksBytes   int
}

func (s *Server) index(w http.ResponseWriter, r *http.Request) {
	p := indexPage{
		Title:      s.cfg.Title,
		CSV:        s.link(pathCSV),
		Binary:     s.link(pathBinary),
		Marks:      s.link(pathMarks),
		MarksBytes: s.cfg.MarksBytes,
	}
	if s.cfg.StaticDir != "" {
		p.Script = s.link(pathStatic + "webui.js")
	}
	if s.fan != nil {
		if ok, wait := s.fan.Allowed(); ok {
			p.FanClean = s.link(pathFanClean)
		} else {
			now := s.clk.Now()
			p.FanCleanNext = humanize.RelTime(now.Add(wait), now, "ago", "from now")
		}
	}
	for _, name := range s.st.Errors().Names() {
		p.Errors = append(p.Errors, sen5x.Describe(name))
	}
	p.Count = humanize.Comma(int64(s.st.Count()))

	var buf bytes.Buffer
	if err := indexTmpl.Execute(&buf, p); err != nil {
		s.log.Error("index", "err", err)
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return
	}
	writeBody(w, "text/html; charset=utf-8", "", buf.Bytes())
}
