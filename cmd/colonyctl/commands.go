package main

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/spf13/cobra"

	"mousecolony/internal/blob"
	"mousecolony/internal/core"
	"mousecolony/pkg/domain"
)

func strainCommand(a *app) *cobra.Command {
	cmd := &cobra.Command{Use: "strain", Short: "Manage strains"}
	cmd.AddCommand(
		&cobra.Command{
			Use:   "create NAME",
			Short: "Register a strain",
			Args:  cobra.ExactArgs(1),
			RunE: func(cmd *cobra.Command, args []string) error {
				st, _, err := a.svc.CreateStrain(cmd.Context(), args[0])
				if err != nil {
					return err
				}
				return a.printJSON(st)
			},
		},
		&cobra.Command{
			Use:   "get NAME",
			Short: "Show a strain and its animal count",
			Args:  cobra.ExactArgs(1),
			RunE: func(cmd *cobra.Command, args []string) error {
				st, err := a.svc.GetStrain(cmd.Context(), args[0])
				if err != nil {
					return err
				}
				return a.printJSON(st)
			},
		},
		&cobra.Command{
			Use:   "list",
			Short: "List strains",
			Args:  cobra.NoArgs,
			RunE: func(cmd *cobra.Command, _ []string) error {
				strains, err := a.svc.ListStrains(cmd.Context())
				if err != nil {
					return err
				}
				return a.printJSON(strains)
			},
		},
	)
	return cmd
}

type animalFlags struct {
	strain    string
	project   string
	aliveOnly bool
}

func (f *animalFlags) register(cmd *cobra.Command) {
	cmd.Flags().StringVar(&f.strain, "strain", "", "only animals of this strain")
	cmd.Flags().StringVar(&f.project, "project", "", "only animals assigned to this project")
	cmd.Flags().BoolVar(&f.aliveOnly, "alive", false, "skip culled animals")
}

func (f animalFlags) filter() core.AnimalFilter {
	return core.AnimalFilter{Strain: f.strain, ProjectID: f.project, AliveOnly: f.aliveOnly}
}

func optional(s string) *string {
	if s == "" {
		return nil
	}
	return &s
}

func animalCommand(a *app) *cobra.Command {
	cmd := &cobra.Command{Use: "animal", Short: "Manage animals"}

	var alloc struct {
		strain, sex, dob string
		mother, father   string
		project, earmark string
		stockCage        string
		sequence         int
	}
	allocate := &cobra.Command{
		Use:   "allocate",
		Short: "Mint a new animal identity",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			var errs []error
			sex, err := domain.ParseSex(alloc.sex)
			errs = append(errs, err)
			dob, err := domain.ParseDate("date_of_birth", alloc.dob)
			errs = append(errs, err)
			req := core.AllocationRequest{
				Strain:      alloc.strain,
				Sex:         sex,
				DateOfBirth: dob,
				MotherID:    optional(alloc.mother),
				FatherID:    optional(alloc.father),
				ProjectID:   optional(alloc.project),
				StockCage:   alloc.stockCage,
			}
			if cmd.Flags().Changed("sequence") {
				req.Sequence = &alloc.sequence
			}
			if alloc.earmark != "" {
				mark, err := domain.ParseEarmark(alloc.earmark)
				errs = append(errs, err)
				req.Earmark = &mark
			}
			if err := errors.Join(errs...); err != nil {
				return err
			}
			animal, _, err := a.svc.AllocateAnimal(cmd.Context(), req)
			if err != nil {
				return err
			}
			return a.printJSON(animal)
		},
	}
	af := allocate.Flags()
	af.StringVar(&alloc.strain, "strain", "", "strain name")
	af.StringVar(&alloc.sex, "sex", "", "M or F")
	af.StringVar(&alloc.dob, "dob", "", "date of birth (YYYY-MM-DD)")
	af.IntVar(&alloc.sequence, "sequence", 0, "explicit sequence number")
	af.StringVar(&alloc.mother, "mother", "", "mother identifier")
	af.StringVar(&alloc.father, "father", "", "father identifier")
	af.StringVar(&alloc.project, "project", "", "project ID")
	af.StringVar(&alloc.earmark, "earmark", "", "earmark code")
	af.StringVar(&alloc.stockCage, "stock-cage", "", "stock cage label")

	var list animalFlags
	listCmd := &cobra.Command{
		Use:   "list",
		Short: "List animals",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			animals, err := a.svc.ListAnimals(cmd.Context(), list.filter())
			if err != nil {
				return err
			}
			return a.printJSON(animals)
		},
	}
	list.register(listCmd)

	var upd struct{ stockCage, dob string }
	update := &cobra.Command{
		Use:   "update ID",
		Short: "Edit the mutable fields of an animal",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			var dob time.Time
			if cmd.Flags().Changed("dob") {
				var err error
				if dob, err = domain.ParseDate("date_of_birth", upd.dob); err != nil {
					return err
				}
			}
			animal, _, err := a.svc.UpdateAnimal(cmd.Context(), args[0], func(x *core.Animal) error {
				if cmd.Flags().Changed("stock-cage") {
					x.StockCage = upd.stockCage
				}
				if !dob.IsZero() {
					x.DateOfBirth = domain.DateOnly(dob)
				}
				return nil
			})
			if err != nil {
				return err
			}
			return a.printJSON(animal)
		},
	}
	update.Flags().StringVar(&upd.stockCage, "stock-cage", "", "stock cage label")
	update.Flags().StringVar(&upd.dob, "dob", "", "date of birth (YYYY-MM-DD)")

	cmd.AddCommand(
		allocate,
		listCmd,
		update,
		&cobra.Command{
			Use:   "get ID",
			Short: "Show an animal",
			Args:  cobra.ExactArgs(1),
			RunE: func(cmd *cobra.Command, args []string) error {
				animal, err := a.svc.GetAnimal(cmd.Context(), args[0])
				if err != nil {
					return err
				}
				return a.printJSON(animal)
			},
		},
		&cobra.Command{
			Use:   "delete ID",
			Short: "Delete an animal nothing references",
			Args:  cobra.ExactArgs(1),
			RunE: func(cmd *cobra.Command, args []string) error {
				if _, err := a.svc.DeleteAnimal(cmd.Context(), args[0]); err != nil {
					return err
				}
				_, err := fmt.Fprintf(a.stdout, "deleted %s\n", args[0])
				return err
			},
		},
		&cobra.Command{
			Use:   "assign-project ID [PROJECT]",
			Short: "Link an animal to a project; omit PROJECT to clear the link",
			Args:  cobra.RangeArgs(1, 2),
			RunE: func(cmd *cobra.Command, args []string) error {
				project := ""
				if len(args) == 2 {
					project = args[1]
				}
				animal, _, err := a.svc.AssignAnimalProject(cmd.Context(), args[0], project)
				if err != nil {
					return err
				}
				return a.printJSON(animal)
			},
		},
	)
	return cmd
}

func projectCommand(a *app) *cobra.Command {
	cmd := &cobra.Command{Use: "project", Short: "Manage projects"}
	var description string
	create := &cobra.Command{
		Use:   "create NAME",
		Short: "Create a project",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			p, _, err := a.svc.CreateProject(cmd.Context(), args[0], description)
			if err != nil {
				return err
			}
			return a.printJSON(p)
		},
	}
	create.Flags().StringVar(&description, "description", "", "free text description")

	cmd.AddCommand(
		create,
		&cobra.Command{
			Use:   "get ID",
			Short: "Show a project",
			Args:  cobra.ExactArgs(1),
			RunE: func(cmd *cobra.Command, args []string) error {
				p, err := a.svc.GetProject(cmd.Context(), args[0])
				if err != nil {
					return err
				}
				return a.printJSON(p)
			},
		},
		&cobra.Command{
			Use:   "list",
			Short: "List projects",
			Args:  cobra.NoArgs,
			RunE: func(cmd *cobra.Command, _ []string) error {
				projects, err := a.svc.ListProjects(cmd.Context())
				if err != nil {
					return err
				}
				return a.printJSON(projects)
			},
		},
		&cobra.Command{
			Use:   "animals ID",
			Short: "List the animals assigned to a project",
			Args:  cobra.ExactArgs(1),
			RunE: func(cmd *cobra.Command, args []string) error {
				animals, err := a.svc.ProjectAnimals(cmd.Context(), args[0])
				if err != nil {
					return err
				}
				return a.printJSON(animals)
			},
		},
	)
	return cmd
}

// cageView adds the derived counts to a breeding cage for display.
type cageView struct {
	core.BreedingCage
	PostWeaningLoss int `json:"post_weaning_loss"`
	PendingPups     int `json:"pending_pups"`
}

func viewCage(c core.BreedingCage) cageView {
	return cageView{BreedingCage: c, PostWeaningLoss: c.PostWeaningLoss(), PendingPups: c.PendingPups()}
}

func cageCommand(a *app) *cobra.Command {
	cmd := &cobra.Command{Use: "cage", Short: "Manage breeding cages and litters"}

	var create struct{ strain, mother, father string }
	createCmd := &cobra.Command{
		Use:   "create BOX_ID",
		Short: "Register a breeding pair",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			cage, _, err := a.svc.CreateBreedingCage(cmd.Context(), core.BreedingCage{
				BoxID: args[0], Strain: create.strain, MotherID: create.mother, FatherID: create.father,
			})
			if err != nil {
				return err
			}
			return a.printJSON(viewCage(cage))
		},
	}
	createCmd.Flags().StringVar(&create.strain, "strain", "", "strain of the litter")
	createCmd.Flags().StringVar(&create.mother, "mother", "", "mother identifier")
	createCmd.Flags().StringVar(&create.father, "father", "", "father identifier")

	var litter struct {
		born  string
		count int
	}
	litterCmd := &cobra.Command{
		Use:   "litter BOX_ID",
		Short: "Record a litter birth",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			born, err := domain.ParseDate("date_born", litter.born)
			if err != nil {
				return err
			}
			cage, _, err := a.svc.RecordLitter(cmd.Context(), args[0], born, litter.count)
			if err != nil {
				return err
			}
			return a.printJSON(viewCage(cage))
		},
	}
	litterCmd.Flags().StringVar(&litter.born, "born", "", "date born (YYYY-MM-DD)")
	litterCmd.Flags().IntVar(&litter.count, "count", 0, "number born")

	var wean struct{ weaned, males, females int }
	weanCmd := &cobra.Command{
		Use:   "wean BOX_ID",
		Short: "Record weaned pups by sex",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			weaned := wean.weaned
			if !cmd.Flags().Changed("weaned") {
				weaned = wean.males + wean.females
			}
			cage, _, err := a.svc.RecordWeaning(cmd.Context(), args[0], weaned, wean.males, wean.females)
			if err != nil {
				return err
			}
			return a.printJSON(viewCage(cage))
		},
	}
	weanCmd.Flags().IntVar(&wean.weaned, "weaned", 0, "number weaned (defaults to males + females)")
	weanCmd.Flags().IntVar(&wean.males, "males", 0, "weaned males")
	weanCmd.Flags().IntVar(&wean.females, "females", 0, "weaned females")

	var mat struct {
		strain, stockCage string
		tubes             []string
	}
	materializeCmd := &cobra.Command{
		Use:   "materialize BOX_ID",
		Short: "Turn pending pups into animals and close the cage",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			animals, _, err := a.svc.MaterializeLitter(cmd.Context(), core.MaterializeRequest{
				BoxID: args[0], Strain: mat.strain, Tubes: mat.tubes, StockCage: mat.stockCage,
			})
			if err != nil {
				return err
			}
			return a.printJSON(animals)
		},
	}
	materializeCmd.Flags().StringVar(&mat.strain, "strain", "", "strain override")
	materializeCmd.Flags().StringVar(&mat.stockCage, "stock-cage", "", "stock cage label for the new animals")
	materializeCmd.Flags().StringSliceVar(&mat.tubes, "tubes", nil, "tube numbers in pup order, males first")

	cmd.AddCommand(
		createCmd,
		litterCmd,
		weanCmd,
		materializeCmd,
		&cobra.Command{
			Use:   "get BOX_ID",
			Short: "Show a breeding cage",
			Args:  cobra.ExactArgs(1),
			RunE: func(cmd *cobra.Command, args []string) error {
				cage, err := a.svc.GetBreedingCage(cmd.Context(), args[0])
				if err != nil {
					return err
				}
				return a.printJSON(viewCage(cage))
			},
		},
		&cobra.Command{
			Use:   "list",
			Short: "List breeding cages",
			Args:  cobra.NoArgs,
			RunE: func(cmd *cobra.Command, _ []string) error {
				cages, err := a.svc.ListBreedingCages(cmd.Context())
				if err != nil {
					return err
				}
				views := make([]cageView, len(cages))
				for i, c := range cages {
					views[i] = viewCage(c)
				}
				return a.printJSON(views)
			},
		},
	)
	return cmd
}

func requestCommand(a *app) *cobra.Command {
	cmd := &cobra.Command{Use: "request", Short: "Manage clip, cull, move and wean requests"}

	var create struct {
		taskType, requestedBy, message string
		subjects                       []string
	}
	createCmd := &cobra.Command{
		Use:   "create",
		Short: "Submit a task request",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			draft := core.NewDraftRequest(domain.TaskType(strings.ToLower(create.taskType)), create.subjects, create.requestedBy, create.message)
			req, _, err := a.svc.CreateTaskRequest(cmd.Context(), draft)
			if err != nil {
				return err
			}
			return a.printJSON(req)
		},
	}
	createCmd.Flags().StringVar(&create.taskType, "type", "", "one of "+strings.Join(core.TaskTypes(), ", "))
	createCmd.Flags().StringSliceVar(&create.subjects, "subject", nil, "subject animal identifier (repeatable)")
	createCmd.Flags().StringVar(&create.requestedBy, "by", "", "requester")
	createCmd.Flags().StringVar(&create.message, "message", "", "note for the technician")

	var confirm struct{ earmark, culled string }
	confirmCmd := &cobra.Command{
		Use:   "confirm ID",
		Short: "Confirm a request and apply it to its subjects",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			params := core.ConfirmParams{Earmark: confirm.earmark}
			if confirm.culled != "" {
				day, err := domain.ParseDate("culled_date", confirm.culled)
				if err != nil {
					return err
				}
				params.CulledDate = &day
			}
			req, _, err := a.svc.ConfirmTaskRequest(cmd.Context(), args[0], params)
			if err != nil {
				return err
			}
			return a.printJSON(req)
		},
	}
	confirmCmd.Flags().StringVar(&confirm.earmark, "earmark", "", "earmark applied by a clip")
	confirmCmd.Flags().StringVar(&confirm.culled, "culled-date", "", "cull date (YYYY-MM-DD), defaults to today")

	var list struct {
		taskType, subject string
		open              bool
	}
	listCmd := &cobra.Command{
		Use:   "list",
		Short: "List task requests",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			requests, err := a.svc.ListTaskRequests(cmd.Context(), core.TaskRequestFilter{
				TaskType:  domain.TaskType(strings.ToLower(list.taskType)),
				OpenOnly:  list.open,
				SubjectID: list.subject,
			})
			if err != nil {
				return err
			}
			return a.printJSON(requests)
		},
	}
	listCmd.Flags().StringVar(&list.taskType, "type", "", "only requests of this type")
	listCmd.Flags().StringVar(&list.subject, "subject", "", "only requests naming this animal")
	listCmd.Flags().BoolVar(&list.open, "open", false, "only unconfirmed requests")

	cmd.AddCommand(
		createCmd,
		confirmCmd,
		listCmd,
		&cobra.Command{
			Use:   "get ID",
			Short: "Show a task request",
			Args:  cobra.ExactArgs(1),
			RunE: func(cmd *cobra.Command, args []string) error {
				req, err := a.svc.GetTaskRequest(cmd.Context(), args[0])
				if err != nil {
					return err
				}
				return a.printJSON(struct {
					core.TaskRequest
					State domain.RequestState `json:"state"`
				}{req, req.State()})
			},
		},
	)
	return cmd
}

func treeCommand(a *app) *cobra.Command {
	var (
		depth  int
		asJSON bool
	)
	cmd := &cobra.Command{
		Use:   "tree ID",
		Short: "Show the ancestry of an animal",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			root, err := a.svc.FamilyTree(cmd.Context(), args[0], depth)
			if err != nil {
				return err
			}
			if asJSON {
				return a.printJSON(root)
			}
			var writeErr error
			root.Walk(func(n *core.FamilyNode, level int) {
				if writeErr != nil {
					return
				}
				line := strings.Repeat("  ", level) + n.Identifier
				if n.Role != core.RoleSubject {
					line += " (" + string(n.Role) + ")"
				}
				switch {
				case n.Missing:
					line += " [missing]"
				case n.Cycle:
					line += " [cycle]"
				case n.Repeat:
					line += " [repeat]"
				}
				_, writeErr = fmt.Fprintln(a.stdout, line)
			})
			return writeErr
		},
	}
	cmd.Flags().IntVar(&depth, "depth", 0, "generations to include, 0 for all")
	cmd.Flags().BoolVar(&asJSON, "json", false, "print the tree as JSON")
	return cmd
}

func exportCommand(a *app) *cobra.Command {
	var (
		key     string
		filter  animalFlags
		presign time.Duration
	)
	cmd := &cobra.Command{
		Use:   "export",
		Short: "Write the animal register as CSV to the configured blob store",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			ctx := cmd.Context()
			store, err := blob.Open(ctx, a.cfg.BlobConfig())
			if err != nil {
				return fmt.Errorf("open %s blob store: %w", a.cfg.Blob.Driver, err)
			}
			info, err := a.svc.ExportColony(ctx, store, key, filter.filter())
			if err != nil {
				return err
			}
			out := struct {
				blob.Info
				Driver blob.Driver `json:"driver"`
				URL    string      `json:"url,omitempty"`
			}{Info: info, Driver: store.Driver()}
			if presign > 0 {
				url, err := store.PresignURL(ctx, info.Key, presign)
				switch {
				case errors.Is(err, blob.ErrUnsupported):
					a.logger.Warn("presigned URLs unsupported", "driver", store.Driver())
				case err != nil:
					return fmt.Errorf("presign %s: %w", info.Key, err)
				default:
					out.URL = url
				}
			}
			return a.printJSON(out)
		},
	}
	cmd.Flags().StringVar(&key, "key", "", "object key, defaults to a timestamped name under exports/")
	cmd.Flags().DurationVar(&presign, "presign", 0, "also print a download URL valid for this long")
	filter.register(cmd)
	return cmd
}
