package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"io"
	"os"
	"strings"
	"text/tabwriter"
	"time"

	"golang.org/x/term"

	apiclient "github.com/splax/sitegate/pkg/api/client"
)

var buildVersion = "dev"

const requestTimeout = 15 * time.Second

func main() {
	if len(os.Args) < 2 {
		printUsage(os.Stderr)
		os.Exit(1)
	}
	if err := run(os.Args[1], os.Args[2:], os.Stdout); err != nil {
		if errors.Is(err, flag.ErrHelp) {
			return
		}
		if errors.Is(err, errUsage) {
			printUsage(os.Stderr)
		}
		fmt.Fprintf(os.Stderr, "error: %v\n", err)
		os.Exit(1)
	}
}

var errUsage = errors.New("unknown command")

func run(cmd string, args []string, out io.Writer) error {
	switch cmd {
	case "login":
		return commandLogin(args, out)
	case "logout":
		return commandLogout(args, out)
	case "clients":
		return dispatch("clients", args, out, map[string]command{
			"create": clientsCreate,
			"list":   clientsList,
		})
	case "projects":
		return dispatch("projects", args, out, map[string]command{
			"create": projectsCreate,
			"list":   projectsList,
			"type":   projectsType,
			"access": projectsAccess,
		})
	case "users":
		return dispatch("users", args, out, map[string]command{
			"create": usersCreate,
		})
	case "deploy":
		return dispatch("deploy", args, out, map[string]command{
			"upload": deployUpload,
			"list":   deployList,
			"status": deployStatus,
			"remove": deployRemove,
		})
	case "version", "--version", "-v":
		fmt.Fprintln(out, strings.TrimSpace(buildVersion))
		return nil
	case "help", "-h", "--help":
		printUsage(out)
		return nil
	default:
		return fmt.Errorf("%w: %s", errUsage, cmd)
	}
}

type command func(args []string, out io.Writer) error

func dispatch(group string, args []string, out io.Writer, subs map[string]command) error {
	if len(args) == 0 {
		return fmt.Errorf("%w: %s requires a subcommand", errUsage, group)
	}
	sub, ok := subs[args[0]]
	if !ok {
		return fmt.Errorf("%w: %s %s", errUsage, group, args[0])
	}
	return sub(args[1:], out)
}

func newFlagSet(name string) (*flag.FlagSet, *string) {
	fs := flag.NewFlagSet(name, flag.ContinueOnError)
	cfgPath := fs.String("config", "", "Path to the sitectl config file")
	return fs, cfgPath
}

// authed loads the session and returns a client with the stored token.
func authed(cfgPath string) (*apiclient.Client, string, error) {
	sess, err := loadSession(cfgPath)
	if err != nil {
		return nil, "", err
	}
	token, err := sess.token()
	if err != nil {
		return nil, "", err
	}
	client, err := sess.client()
	if err != nil {
		return nil, "", err
	}
	return client, token, nil
}

// required takes flag name and value pairs.
func required(pairs ...string) error {
	for i := 0; i+1 < len(pairs); i += 2 {
		if strings.TrimSpace(pairs[i+1]) == "" {
			return fmt.Errorf("--%s is required", pairs[i])
		}
	}
	return nil
}

func commandLogin(args []string, out io.Writer) error {
	fs, cfgPath := newFlagSet("login")
	email := fs.String("email", "", "Email address")
	password := fs.String("password", "", "Password (supply to avoid prompt)")
	apiBase := fs.String("api", "", "API base URL (default "+apiclient.DefaultBaseURL+")")
	if err := fs.Parse(args); err != nil {
		return err
	}
	if err := required("email", *email); err != nil {
		return err
	}

	secret := *password
	if secret == "" {
		fmt.Fprint(out, "Password: ")
		raw, err := term.ReadPassword(int(os.Stdin.Fd()))
		fmt.Fprintln(out)
		if err != nil {
			return fmt.Errorf("read password: %w", err)
		}
		secret = string(raw)
	}

	sess, err := loadSession(*cfgPath)
	if err != nil {
		return err
	}
	if strings.TrimSpace(*apiBase) != "" {
		sess.cfg.APIBaseURL = strings.TrimSpace(*apiBase)
	}
	client, err := sess.client()
	if err != nil {
		return err
	}
	ctx, cancel := context.WithTimeout(context.Background(), requestTimeout)
	defer cancel()

	resp, err := client.Login(ctx, *email, secret)
	if err != nil {
		return err
	}
	inKeyring, err := sess.store(resp.User.Email, resp.Token, resp.ExpiresAt)
	if err != nil {
		return err
	}
	if !inKeyring {
		fmt.Fprintf(out, "warning: keyring unavailable, token stored in %s\n", sess.path)
	}
	fmt.Fprintf(out, "logged in as %s (%s)\n", resp.User.Email, resp.User.Kind)
	return nil
}

func commandLogout(args []string, out io.Writer) error {
	fs, cfgPath := newFlagSet("logout")
	if err := fs.Parse(args); err != nil {
		return err
	}
	sess, err := loadSession(*cfgPath)
	if err != nil {
		return err
	}
	if err := sess.clear(); err != nil {
		return err
	}
	fmt.Fprintln(out, "logged out")
	return nil
}

func clientsCreate(args []string, out io.Writer) error {
	fs, cfgPath := newFlagSet("clients create")
	name := fs.String("name", "", "Company name")
	if err := fs.Parse(args); err != nil {
		return err
	}
	if err := required("name", *name); err != nil {
		return err
	}
	client, token, err := authed(*cfgPath)
	if err != nil {
		return err
	}
	ctx, cancel := context.WithTimeout(context.Background(), requestTimeout)
	defer cancel()

	created, err := client.CreateClient(ctx, token, *name)
	if err != nil {
		return err
	}
	fmt.Fprintf(out, "client created: %s (%s)\n", created.ID, created.CompanyName)
	return nil
}

func clientsList(args []string, out io.Writer) error {
	fs, cfgPath := newFlagSet("clients list")
	if err := fs.Parse(args); err != nil {
		return err
	}
	client, token, err := authed(*cfgPath)
	if err != nil {
		return err
	}
	ctx, cancel := context.WithTimeout(context.Background(), requestTimeout)
	defer cancel()

	clients, err := client.ListClients(ctx, token)
	if err != nil {
		return err
	}
	tw := tabwriter.NewWriter(out, 0, 4, 2, ' ', 0)
	fmt.Fprintln(tw, "ID\tCOMPANY\tCREATED")
	for _, c := range clients {
		fmt.Fprintf(tw, "%s\t%s\t%s\n", c.ID, c.CompanyName, c.CreatedAt.Format(time.RFC3339))
	}
	return tw.Flush()
}

func projectsCreate(args []string, out io.Writer) error {
	fs, cfgPath := newFlagSet("projects create")
	clientID := fs.String("client", "", "Client identifier")
	name := fs.String("name", "", "Project name")
	projType := fs.String("type", "Dashboard", "Project type (Dashboard|Addins)")
	if err := fs.Parse(args); err != nil {
		return err
	}
	if err := required("client", *clientID, "name", *name); err != nil {
		return err
	}
	client, token, err := authed(*cfgPath)
	if err != nil {
		return err
	}
	ctx, cancel := context.WithTimeout(context.Background(), requestTimeout)
	defer cancel()

	project, err := client.CreateProject(ctx, token, apiclient.CreateProjectInput{
		ClientID: *clientID,
		Name:     *name,
		Type:     *projType,
	})
	if err != nil {
		return err
	}
	fmt.Fprintf(out, "project created: %s (%s, %s)\n", project.ID, project.Name, project.Type)
	return nil
}

func projectsList(args []string, out io.Writer) error {
	fs, cfgPath := newFlagSet("projects list")
	clientID := fs.String("client", "", "Client identifier")
	if err := fs.Parse(args); err != nil {
		return err
	}
	if err := required("client", *clientID); err != nil {
		return err
	}
	client, token, err := authed(*cfgPath)
	if err != nil {
		return err
	}
	ctx, cancel := context.WithTimeout(context.Background(), requestTimeout)
	defer cancel()

	projects, err := client.ListProjects(ctx, token, *clientID)
	if err != nil {
		return err
	}
	tw := tabwriter.NewWriter(out, 0, 4, 2, ' ', 0)
	fmt.Fprintln(tw, "ID\tNAME\tTYPE\tPUBLISHED")
	for _, p := range projects {
		published := "-"
		if p.PublishedPath != nil {
			published = *p.PublishedPath
		}
		fmt.Fprintf(tw, "%s\t%s\t%s\t%s\n", p.ID, p.Name, p.Type, published)
	}
	return tw.Flush()
}

func projectsType(args []string, out io.Writer) error {
	fs, cfgPath := newFlagSet("projects type")
	projectID := fs.String("project", "", "Project identifier")
	projType := fs.String("type", "", "New project type (Dashboard|Addins)")
	if err := fs.Parse(args); err != nil {
		return err
	}
	if err := required("project", *projectID, "type", *projType); err != nil {
		return err
	}
	client, token, err := authed(*cfgPath)
	if err != nil {
		return err
	}
	ctx, cancel := context.WithTimeout(context.Background(), requestTimeout)
	defer cancel()

	change, err := client.ChangeProjectType(ctx, token, *projectID, *projType)
	if err != nil {
		return err
	}
	fmt.Fprintln(out, change.Message)
	if change.DashboardURL != "" {
		fmt.Fprintf(out, "url: %s\n", change.DashboardURL)
	}
	return nil
}

func projectsAccess(args []string, out io.Writer) error {
	fs, cfgPath := newFlagSet("projects access")
	projectID := fs.String("project", "", "Project identifier")
	if err := fs.Parse(args); err != nil {
		return err
	}
	if err := required("project", *projectID); err != nil {
		return err
	}
	client, token, err := authed(*cfgPath)
	if err != nil {
		return err
	}
	ctx, cancel := context.WithTimeout(context.Background(), requestTimeout)
	defer cancel()

	info, err := client.ProjectAccess(ctx, token, *projectID)
	if err != nil {
		return err
	}
	if !info.Accessible {
		fmt.Fprintf(out, "not accessible: %s\n", info.Reason)
		return nil
	}
	fmt.Fprintf(out, "%s via %s: %s\n", info.ProjectType, info.AccessMethod, info.DashboardURL)
	return nil
}

func usersCreate(args []string, out io.Writer) error {
	fs, cfgPath := newFlagSet("users create")
	email := fs.String("email", "", "User email")
	password := fs.String("password", "", "Initial password")
	clientID := fs.String("client", "", "Client identifier")
	projects := fs.String("projects", "", "Comma separated project identifiers")
	if err := fs.Parse(args); err != nil {
		return err
	}
	if err := required("email", *email, "password", *password, "client", *clientID); err != nil {
		return err
	}
	var projectIDs []string
	for _, id := range strings.Split(*projects, ",") {
		if id = strings.TrimSpace(id); id != "" {
			projectIDs = append(projectIDs, id)
		}
	}
	client, token, err := authed(*cfgPath)
	if err != nil {
		return err
	}
	ctx, cancel := context.WithTimeout(context.Background(), requestTimeout)
	defer cancel()

	user, err := client.CreateUser(ctx, token, apiclient.CreateUserInput{
		Email:      *email,
		Password:   *password,
		ClientID:   *clientID,
		ProjectIDs: projectIDs,
	})
	if err != nil {
		return err
	}
	fmt.Fprintf(out, "user created: %s (%s)\n", user.ID, user.Email)
	return nil
}

func deployUpload(args []string, out io.Writer) error {
	fs, cfgPath := newFlagSet("deploy upload")
	projectID := fs.String("project", "", "Project identifier")
	file := fs.String("file", "", "Path to the .zip build source")
	timeout := fs.Duration("timeout", 15*time.Minute, "How long to wait for the build")
	if err := fs.Parse(args); err != nil {
		return err
	}
	if err := required("project", *projectID, "file", *file); err != nil {
		return err
	}
	if !strings.HasSuffix(strings.ToLower(*file), ".zip") {
		return errors.New("--file must be a .zip archive")
	}
	archive, err := os.Open(*file)
	if err != nil {
		return err
	}
	defer archive.Close()

	client, token, err := authed(*cfgPath)
	if err != nil {
		return err
	}
	ctx, cancel := context.WithTimeout(context.Background(), *timeout)
	defer cancel()

	fmt.Fprintf(out, "uploading %s...\n", *file)
	dep, err := client.Deploy(ctx, token, *projectID, *file, archive)
	if err != nil {
		var deployErr *apiclient.DeployError
		if errors.As(err, &deployErr) {
			fmt.Fprintf(out, "deployment %s %s: %s\n", dep.ID, dep.Status, dep.ErrorMessage)
		}
		return err
	}
	fmt.Fprintf(out, "deployment %s %s: %d files\n", dep.ID, dep.Status, dep.FileCount)
	fmt.Fprintf(out, "url: %s\n", dep.DeploymentURL)
	return nil
}

func deployList(args []string, out io.Writer) error {
	fs, cfgPath := newFlagSet("deploy list")
	projectID := fs.String("project", "", "Project identifier")
	limit := fs.Int("limit", 5, "Maximum number of deployments")
	if err := fs.Parse(args); err != nil {
		return err
	}
	if err := required("project", *projectID); err != nil {
		return err
	}
	client, token, err := authed(*cfgPath)
	if err != nil {
		return err
	}
	ctx, cancel := context.WithTimeout(context.Background(), requestTimeout)
	defer cancel()

	deployments, err := client.ListDeployments(ctx, token, *projectID, *limit)
	if err != nil {
		return err
	}
	tw := tabwriter.NewWriter(out, 0, 4, 2, ' ', 0)
	fmt.Fprintln(tw, "ID\tSTATUS\tFILES\tDEPLOYED")
	for _, dep := range deployments {
		fmt.Fprintf(tw, "%s\t%s\t%d\t%s\n", dep.ID, dep.Status, dep.FileCount, dep.DeployedAt.Format(time.RFC3339))
	}
	return tw.Flush()
}

func deployStatus(args []string, out io.Writer) error {
	fs, cfgPath := newFlagSet("deploy status")
	deploymentID := fs.String("deployment", "", "Deployment identifier")
	if err := fs.Parse(args); err != nil {
		return err
	}
	if err := required("deployment", *deploymentID); err != nil {
		return err
	}
	client, token, err := authed(*cfgPath)
	if err != nil {
		return err
	}
	ctx, cancel := context.WithTimeout(context.Background(), requestTimeout)
	defer cancel()

	dep, err := client.GetDeployment(ctx, token, *deploymentID)
	if err != nil {
		return err
	}
	fmt.Fprintf(out, "%s\t%s\t%d files\n", dep.ID, dep.Status, dep.FileCount)
	if dep.DeploymentURL != "" {
		fmt.Fprintf(out, "url: %s\n", dep.DeploymentURL)
	}
	if dep.ErrorMessage != "" {
		fmt.Fprintf(out, "error: %s\n", dep.ErrorMessage)
	}
	return nil
}

func deployRemove(args []string, out io.Writer) error {
	fs, cfgPath := newFlagSet("deploy remove")
	projectID := fs.String("project", "", "Project identifier")
	if err := fs.Parse(args); err != nil {
		return err
	}
	if err := required("project", *projectID); err != nil {
		return err
	}
	client, token, err := authed(*cfgPath)
	if err != nil {
		return err
	}
	ctx, cancel := context.WithTimeout(context.Background(), requestTimeout)
	defer cancel()

	undeployed, err := client.Undeploy(ctx, token, *projectID)
	if err != nil {
		return err
	}
	if !undeployed {
		fmt.Fprintln(out, "project has no deployment")
		return nil
	}
	fmt.Fprintln(out, "project undeployed")
	return nil
}

func printUsage(w io.Writer) {
	fmt.Fprintf(w, "sitectl %s\n\n", buildVersion)
	fmt.Fprint(w, `Usage:
	sitectl login --email admin@example.com [--password secret] [--api http://localhost:4000]
	sitectl logout
	sitectl clients create --name <company>
	sitectl clients list
	sitectl projects create --client <client-id> --name <name> [--type Dashboard|Addins]
	sitectl projects list --client <client-id>
	sitectl projects type --project <project-id> --type Dashboard|Addins
	sitectl projects access --project <project-id>
	sitectl users create --email <email> --password <pw> --client <client-id> [--projects id1,id2]
	sitectl deploy upload --project <project-id> --file build.zip
	sitectl deploy list --project <project-id> [--limit N]
	sitectl deploy status --deployment <deployment-id>
	sitectl deploy remove --project <project-id>
	sitectl version

Every command accepts --config to use a config file other than the default.
SITEGATE_API_URL and SITEGATE_TOKEN override the stored settings.
`)
}
