package github

import "time"

// Issue represents a GitHub issue.
type Issue struct {
	Number    int
	Title     string
	Body      string
	State     string
	URL       string
	Author    string
	Labels    []string
	CreatedAt time.Time
}

// PullRequest represents a GitHub pull request.
type PullRequest struct {
	Number    int
	Title     string
	Body      string
	State     string
	URL       string
	Author    string
	Labels    []string
	HeadRef   string
	BaseRef   string
	Files     []string
	CreatedAt time.Time
}

// ghItem is the --json shape shared by issue view and pr view.
type ghItem struct {
	Number int    `json:"number"`
	Title  string `json:"title"`
	Body   string `json:"body"`
	State  string `json:"state"`
	URL    string `json:"url"`
	Author struct {
		Login string `json:"login"`
	} `json:"author"`
	Labels []struct {
		Name string `json:"name"`
	} `json:"labels"`
	HeadRefName string `json:"headRefName"`
	BaseRefName string `json:"baseRefName"`
	Files       []struct {
		Path string `json:"path"`
	} `json:"files"`
	CreatedAt time.Time `json:"createdAt"`
}

func (r *ghItem) labelNames() []string {
	labels := make([]string, 0, len(r.Labels))
	for _, l := range r.Labels {
		labels = append(labels, l.Name)
	}
	return labels
}

func (r *ghItem) filePaths() []string {
	files := make([]string, 0, len(r.Files))
	for _, f := range r.Files {
		files = append(files, f.Path)
	}
	return files
}
